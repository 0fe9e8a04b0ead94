package execution

import (
	"crabdb/pkg/concurrency"
	"crabdb/pkg/database"
	"crabdb/pkg/entry"
	"crabdb/pkg/pager"
)

// Insert adds rows to a table, either from a fixed set of values or from a
// child operator, locking each row exclusive before writing and logging a
// write record so an abort can undo it. Emits each row it inserted.
type Insert struct {
	ctx    *Context
	table  database.Index
	child  Executor // either child or values feeds the insert
	values []entry.Entry
	pos    int
}

func NewInsert(ctx *Context, table database.Index, values []entry.Entry) *Insert {
	return &Insert{ctx: ctx, table: table, values: values}
}

func NewInsertFromChild(ctx *Context, table database.Index, child Executor) *Insert {
	return &Insert{ctx: ctx, table: table, child: child}
}

func (op *Insert) Init() error {
	if op.child != nil {
		rows, err := drain(op.child)
		if err != nil {
			return err
		}
		op.values = rows
	}
	op.pos = 0
	return nil
}

func (op *Insert) Next() (entry.Entry, bool, error) {
	if op.pos >= len(op.values) {
		return entry.Entry{}, false, nil
	}
	txn, err := op.ctx.transaction()
	if err != nil {
		return entry.Entry{}, false, err
	}
	row := op.values[op.pos]
	op.pos++
	if int64(len(row.Marshal())) > pager.Pagesize {
		return entry.Entry{}, false, ErrTupleTooLarge
	}
	if err := op.ctx.lockRow(op.table, row.Key, concurrency.W_LOCK); err != nil {
		return entry.Entry{}, false, err
	}
	if err := op.table.Insert(row.Key, row.Value); err != nil {
		return entry.Entry{}, false, err
	}
	txn.AppendWriteRecord(concurrency.WriteRecord{
		Op:       concurrency.WriteInsert,
		Table:    op.table.GetName(),
		Key:      row.Key,
		NewValue: row.Value,
	})
	return row, true, nil
}

// Delete removes every row its child emits, taking (or upgrading to) an
// exclusive lock on each row first and logging the pre-image. Emits each
// row it deleted.
type Delete struct {
	ctx   *Context
	table database.Index
	child Executor

	rows []entry.Entry
	pos  int
}

func NewDelete(ctx *Context, table database.Index, child Executor) *Delete {
	return &Delete{ctx: ctx, table: table, child: child}
}

func (op *Delete) Init() error {
	rows, err := drain(op.child)
	if err != nil {
		return err
	}
	op.rows = rows
	op.pos = 0
	return nil
}

func (op *Delete) Next() (entry.Entry, bool, error) {
	if op.pos >= len(op.rows) {
		return entry.Entry{}, false, nil
	}
	txn, err := op.ctx.transaction()
	if err != nil {
		return entry.Entry{}, false, err
	}
	row := op.rows[op.pos]
	op.pos++
	if err := op.ctx.lockRow(op.table, row.Key, concurrency.W_LOCK); err != nil {
		return entry.Entry{}, false, err
	}
	old, err := op.table.Find(row.Key)
	if err != nil {
		// Row already gone; nothing to delete or undo.
		return op.Next()
	}
	if err := op.table.Delete(row.Key); err != nil {
		return entry.Entry{}, false, err
	}
	txn.AppendWriteRecord(concurrency.WriteRecord{
		Op:       concurrency.WriteDelete,
		Table:    op.table.GetName(),
		Key:      old.Key,
		OldValue: old.Value,
	})
	return old, true, nil
}

// Update rewrites the value of every row its child emits, upgrading the
// child's shared lock to exclusive when one is held and logging the
// pre-image for rollback. Emits the updated row.
type Update struct {
	ctx      *Context
	table    database.Index
	child    Executor
	newValue func(entry.Entry) int64

	rows []entry.Entry
	pos  int
}

func NewUpdate(ctx *Context, table database.Index, child Executor, newValue func(entry.Entry) int64) *Update {
	return &Update{ctx: ctx, table: table, child: child, newValue: newValue}
}

func (op *Update) Init() error {
	rows, err := drain(op.child)
	if err != nil {
		return err
	}
	op.rows = rows
	op.pos = 0
	return nil
}

func (op *Update) Next() (entry.Entry, bool, error) {
	if op.pos >= len(op.rows) {
		return entry.Entry{}, false, nil
	}
	txn, err := op.ctx.transaction()
	if err != nil {
		return entry.Entry{}, false, err
	}
	row := op.rows[op.pos]
	op.pos++
	if err := op.ctx.lockRow(op.table, row.Key, concurrency.W_LOCK); err != nil {
		return entry.Entry{}, false, err
	}
	old, err := op.table.Find(row.Key)
	if err != nil {
		return op.Next()
	}
	updated := entry.New(old.Key, op.newValue(old))
	if err := op.table.Update(updated.Key, updated.Value); err != nil {
		return entry.Entry{}, false, err
	}
	txn.AppendWriteRecord(concurrency.WriteRecord{
		Op:       concurrency.WriteUpdate,
		Table:    op.table.GetName(),
		Key:      old.Key,
		OldValue: old.Value,
		NewValue: updated.Value,
	})
	return updated, true, nil
}
