// Package execution implements the pull-based operators that turn table and
// index access into locked, transactional row streams. Every operator
// exposes Init and Next; parents own their children and drain them one row
// at a time. Rows are entry key/value pairs: the key doubles as the row's
// identifier, which is what the lock manager locks.
package execution

import (
	"errors"

	"crabdb/pkg/concurrency"
	"crabdb/pkg/database"
	"crabdb/pkg/entry"

	"github.com/google/uuid"
)

// ErrNoTransaction is returned when an operator runs for a client with no
// transaction in progress.
var ErrNoTransaction = errors.New("no transaction in progress")

// ErrTupleTooLarge is returned when a tuple cannot fit in a single page.
var ErrTupleTooLarge = errors.New("tuple exceeds a single page")

// Executor is the iterator every operator implements. Next returns the
// next row and true, or a zero row and false once the stream is drained.
// A non-nil error means the operator failed; if the failure aborted the
// transaction the error wraps the lock manager's abort reason.
type Executor interface {
	Init() error
	Next() (entry.Entry, bool, error)
}

// Context carries the per-statement handles an operator needs: the
// database for table lookup, the transaction manager for the lock
// protocol, and the client whose transaction this statement runs under.
type Context struct {
	db       *database.Database
	tm       *concurrency.TransactionManager
	clientID uuid.UUID
}

func NewContext(db *database.Database, tm *concurrency.TransactionManager, clientID uuid.UUID) *Context {
	return &Context{db: db, tm: tm, clientID: clientID}
}

func (c *Context) transaction() (*concurrency.Transaction, error) {
	txn, found := c.tm.GetTransaction(c.clientID)
	if !found {
		return nil, ErrNoTransaction
	}
	return txn, nil
}

// lockRow takes a row lock in the given mode for this statement's
// transaction; the transaction manager applies isolation-level policy
// (including skipping reader locks under READ_UNCOMMITTED and upgrading
// S to X in place).
func (c *Context) lockRow(table database.Index, key int64, mode concurrency.LockType) error {
	return c.tm.Lock(c.clientID, table, key, mode)
}

// unlockRow releases a row lock early. Only READ_COMMITTED readers do
// this; everything else holds its locks until commit.
func (c *Context) unlockRow(table database.Index, key int64, mode concurrency.LockType) error {
	return c.tm.Unlock(c.clientID, table, key, mode)
}

// releaseAfterRead reports whether this transaction's shared locks come
// off as soon as the row has been emitted.
func (c *Context) releaseAfterRead() (bool, error) {
	txn, err := c.transaction()
	if err != nil {
		return false, err
	}
	return txn.GetIsolationLevel() == concurrency.ReadCommitted, nil
}

// drain runs a child to exhaustion and returns its rows.
func drain(child Executor) ([]entry.Entry, error) {
	if err := child.Init(); err != nil {
		return nil, err
	}
	var rows []entry.Entry
	for {
		row, ok, err := child.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}
