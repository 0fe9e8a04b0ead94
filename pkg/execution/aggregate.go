package execution

import (
	"encoding/binary"
	"fmt"
	"sort"

	"crabdb/pkg/entry"

	"github.com/cespare/xxhash"
)

// AggregateFunc names the accumulator applied to each group's values.
type AggregateFunc int

const (
	AggCount AggregateFunc = iota
	AggSum
	AggMin
	AggMax
)

// HavingPredicate filters finished groups; a nil predicate passes all.
type HavingPredicate func(groupKey int64, aggValue int64) bool

// aggBucket accumulates one group's state. Buckets live in a hash table
// keyed by the xxhash of the group key and chain on hash collisions.
type aggBucket struct {
	groupKey int64
	count    int64
	sum      int64
	min      int64
	max      int64
}

func (b *aggBucket) absorb(v int64) {
	if b.count == 0 {
		b.min, b.max = v, v
	} else {
		if v < b.min {
			b.min = v
		}
		if v > b.max {
			b.max = v
		}
	}
	b.count++
	b.sum += v
}

func (b *aggBucket) value(fn AggregateFunc) int64 {
	switch fn {
	case AggCount:
		return b.count
	case AggSum:
		return b.sum
	case AggMin:
		return b.min
	default:
		return b.max
	}
}

// Aggregation materializes its whole child stream into a hash aggregation
// table keyed by the group-by column, then emits one row per surviving
// group as (group key, aggregate value), in ascending group-key order.
type Aggregation struct {
	child   Executor
	groupBy func(entry.Entry) int64
	fn      AggregateFunc
	having  HavingPredicate

	groups []entry.Entry
	pos    int
}

func NewAggregation(child Executor, groupBy func(entry.Entry) int64, fn AggregateFunc, having HavingPredicate) *Aggregation {
	if groupBy == nil {
		groupBy = func(e entry.Entry) int64 { return e.Key }
	}
	return &Aggregation{child: child, groupBy: groupBy, fn: fn, having: having}
}

func hashGroupKey(key int64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(key))
	return xxhash.Sum64(buf[:])
}

func (a *Aggregation) Init() error {
	rows, err := drain(a.child)
	if err != nil {
		return err
	}
	table := make(map[uint64][]*aggBucket)
	for _, row := range rows {
		groupKey := a.groupBy(row)
		h := hashGroupKey(groupKey)
		var bucket *aggBucket
		for _, b := range table[h] {
			if b.groupKey == groupKey {
				bucket = b
				break
			}
		}
		if bucket == nil {
			bucket = &aggBucket{groupKey: groupKey}
			table[h] = append(table[h], bucket)
		}
		bucket.absorb(row.Value)
	}
	a.groups = a.groups[:0]
	for _, chain := range table {
		for _, b := range chain {
			v := b.value(a.fn)
			if a.having != nil && !a.having(b.groupKey, v) {
				continue
			}
			a.groups = append(a.groups, entry.New(b.groupKey, v))
		}
	}
	sort.Slice(a.groups, func(i, j int) bool { return a.groups[i].Key < a.groups[j].Key })
	a.pos = 0
	return nil
}

func (a *Aggregation) Next() (entry.Entry, bool, error) {
	if a.pos >= len(a.groups) {
		return entry.Entry{}, false, nil
	}
	row := a.groups[a.pos]
	a.pos++
	return row, true, nil
}

func (fn AggregateFunc) String() string {
	switch fn {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	default:
		return fmt.Sprintf("agg(%d)", int(fn))
	}
}
