package execution

import (
	"crabdb/pkg/btree"
	"crabdb/pkg/concurrency"
	"crabdb/pkg/database"
	"crabdb/pkg/entry"
)

// Predicate filters rows; a nil Predicate passes everything.
type Predicate func(entry.Entry) bool

// SeqScan walks an entire table in key order, locking each row shared
// before it is emitted (except under READ_UNCOMMITTED) and releasing the
// lock immediately afterwards under READ_COMMITTED.
type SeqScan struct {
	ctx   *Context
	table database.Index
	pred  Predicate

	rows []entry.Entry
	pos  int
}

func NewSeqScan(ctx *Context, table database.Index, pred Predicate) *SeqScan {
	return &SeqScan{ctx: ctx, table: table, pred: pred}
}

func (s *SeqScan) Init() error {
	rows, err := s.table.Select()
	if err != nil {
		return err
	}
	s.rows = rows
	s.pos = 0
	return nil
}

func (s *SeqScan) Next() (entry.Entry, bool, error) {
	releaseEarly, err := s.ctx.releaseAfterRead()
	if err != nil {
		return entry.Entry{}, false, err
	}
	for s.pos < len(s.rows) {
		row := s.rows[s.pos]
		s.pos++
		if err := s.ctx.lockRow(s.table, row.Key, concurrency.R_LOCK); err != nil {
			return entry.Entry{}, false, err
		}
		// Reread under the lock; the row may have changed or vanished
		// since the scan snapshot was taken.
		current, findErr := s.table.Find(row.Key)
		if releaseEarly {
			// Only drop the lock if the read actually took one; a reader
			// already holding X on this row keeps it.
			if txn, err := s.ctx.transaction(); err == nil &&
				!txn.IsExclusiveLocked(concurrency.NewResource(s.table.GetName(), row.Key)) {
				_ = s.ctx.unlockRow(s.table, row.Key, concurrency.R_LOCK)
			}
		}
		if findErr != nil {
			continue
		}
		if s.pred != nil && !s.pred(current) {
			continue
		}
		return current, true, nil
	}
	return entry.Entry{}, false, nil
}

// IndexScan walks a B+tree index over the key range [start, end),
// applying the same lock protocol as SeqScan.
type IndexScan struct {
	ctx   *Context
	index *btree.BTreeIndex
	start int64
	end   int64
	pred  Predicate

	rows []entry.Entry
	pos  int
}

func NewIndexScan(ctx *Context, index *btree.BTreeIndex, start int64, end int64, pred Predicate) *IndexScan {
	return &IndexScan{ctx: ctx, index: index, start: start, end: end, pred: pred}
}

func (s *IndexScan) Init() error {
	rows, err := s.index.SelectRange(s.start, s.end)
	if err != nil {
		return err
	}
	s.rows = rows
	s.pos = 0
	return nil
}

func (s *IndexScan) Next() (entry.Entry, bool, error) {
	releaseEarly, err := s.ctx.releaseAfterRead()
	if err != nil {
		return entry.Entry{}, false, err
	}
	for s.pos < len(s.rows) {
		row := s.rows[s.pos]
		s.pos++
		if err := s.ctx.lockRow(s.index, row.Key, concurrency.R_LOCK); err != nil {
			return entry.Entry{}, false, err
		}
		current, findErr := s.index.Find(row.Key)
		if releaseEarly {
			if txn, err := s.ctx.transaction(); err == nil &&
				!txn.IsExclusiveLocked(concurrency.NewResource(s.index.GetName(), row.Key)) {
				_ = s.ctx.unlockRow(s.index, row.Key, concurrency.R_LOCK)
			}
		}
		if findErr != nil {
			continue
		}
		if s.pred != nil && !s.pred(current) {
			continue
		}
		return current, true, nil
	}
	return entry.Entry{}, false, nil
}
