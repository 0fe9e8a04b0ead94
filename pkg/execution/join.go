package execution

import (
	"crabdb/pkg/concurrency"
	"crabdb/pkg/database"
	"crabdb/pkg/entry"
)

// JoinPredicate decides whether an outer/inner row pair joins.
type JoinPredicate func(outer entry.Entry, inner entry.Entry) bool

// JoinProjection builds the output row for a matched pair.
type JoinProjection func(outer entry.Entry, inner entry.Entry) entry.Entry

// equiKeyJoin is the default predicate: rows join when their keys match.
func equiKeyJoin(outer entry.Entry, inner entry.Entry) bool {
	return outer.Key == inner.Key
}

// pairProjection is the default projection: the outer key paired with the
// inner value; the outer value is not carried into the output row.
func pairProjection(outer entry.Entry, inner entry.Entry) entry.Entry {
	return entry.New(outer.Key, inner.Value)
}

// NestedLoopJoin matches every outer row against every inner row. The
// inner side is materialized once at Init and rescanned per outer row.
type NestedLoopJoin struct {
	outer   Executor
	inner   Executor
	pred    JoinPredicate
	project JoinProjection

	innerRows []entry.Entry
	outerRow  entry.Entry
	haveOuter bool
	innerPos  int
}

func NewNestedLoopJoin(outer Executor, inner Executor, pred JoinPredicate, project JoinProjection) *NestedLoopJoin {
	if pred == nil {
		pred = equiKeyJoin
	}
	if project == nil {
		project = pairProjection
	}
	return &NestedLoopJoin{outer: outer, inner: inner, pred: pred, project: project}
}

func (j *NestedLoopJoin) Init() error {
	innerRows, err := drain(j.inner)
	if err != nil {
		return err
	}
	j.innerRows = innerRows
	j.haveOuter = false
	j.innerPos = 0
	return j.outer.Init()
}

func (j *NestedLoopJoin) Next() (entry.Entry, bool, error) {
	for {
		if !j.haveOuter {
			row, ok, err := j.outer.Next()
			if err != nil || !ok {
				return entry.Entry{}, false, err
			}
			j.outerRow = row
			j.haveOuter = true
			j.innerPos = 0
		}
		for j.innerPos < len(j.innerRows) {
			inner := j.innerRows[j.innerPos]
			j.innerPos++
			if j.pred(j.outerRow, inner) {
				return j.project(j.outerRow, inner), true, nil
			}
		}
		j.haveOuter = false
	}
}

// NestedIndexJoin probes the inner table's index with a key built from
// each outer row, avoiding the full inner scan. Matched inner rows are
// locked shared like any other read.
type NestedIndexJoin struct {
	ctx      *Context
	outer    Executor
	inner    database.Index
	probeKey func(outer entry.Entry) int64
	project  JoinProjection
}

func NewNestedIndexJoin(ctx *Context, outer Executor, inner database.Index, probeKey func(entry.Entry) int64, project JoinProjection) *NestedIndexJoin {
	if probeKey == nil {
		probeKey = func(e entry.Entry) int64 { return e.Key }
	}
	if project == nil {
		project = pairProjection
	}
	return &NestedIndexJoin{ctx: ctx, outer: outer, inner: inner, probeKey: probeKey, project: project}
}

func (j *NestedIndexJoin) Init() error {
	return j.outer.Init()
}

func (j *NestedIndexJoin) Next() (entry.Entry, bool, error) {
	releaseEarly, err := j.ctx.releaseAfterRead()
	if err != nil {
		return entry.Entry{}, false, err
	}
	for {
		outerRow, ok, err := j.outer.Next()
		if err != nil || !ok {
			return entry.Entry{}, false, err
		}
		key := j.probeKey(outerRow)
		if err := j.ctx.lockRow(j.inner, key, concurrency.R_LOCK); err != nil {
			return entry.Entry{}, false, err
		}
		innerRow, findErr := j.inner.Find(key)
		if releaseEarly {
			if txn, err := j.ctx.transaction(); err == nil &&
				!txn.IsExclusiveLocked(concurrency.NewResource(j.inner.GetName(), key)) {
				_ = j.ctx.unlockRow(j.inner, key, concurrency.R_LOCK)
			}
		}
		if findErr != nil {
			// No inner match for this outer row.
			continue
		}
		return j.project(outerRow, innerRow), true, nil
	}
}
