package concurrency

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"crabdb/pkg/database"

	"github.com/google/uuid"
)

// TransactionManager tracks every live transaction on a server and applies
// isolation-level policy on top of the lock manager's raw primitives: it
// decides whether a read takes a lock at all, when a shared lock comes
// back off, and when a write needs an upgrade instead of a fresh lock.
// Every client runs one transaction at a time, so the client's uuid
// uniquely identifies its transaction.
type TransactionManager struct {
	lm           *LockManager
	transactions map[uuid.UUID]*Transaction
	nextTxnID    atomic.Int64
	mtx          sync.RWMutex
}

func NewTransactionManager(lm *LockManager) *TransactionManager {
	return &TransactionManager{
		lm:           lm,
		transactions: make(map[uuid.UUID]*Transaction),
	}
}

// GetLockManager returns the lock manager this transaction manager drives.
func (tm *TransactionManager) GetLockManager() *LockManager {
	return tm.lm
}

func (tm *TransactionManager) GetTransactions() map[uuid.UUID]*Transaction {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	txs := make(map[uuid.UUID]*Transaction, len(tm.transactions))
	for id, t := range tm.transactions {
		txs[id] = t
	}
	return txs
}

// Get a particular transaction of a client.
func (tm *TransactionManager) GetTransaction(clientId uuid.UUID) (tx *Transaction, found bool) {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	tx, found = tm.transactions[clientId]
	return tx, found
}

// Begin starts a transaction for the given client at the default
// REPEATABLE_READ isolation; error if one is already running.
func (tm *TransactionManager) Begin(clientId uuid.UUID) error {
	return tm.BeginWithLevel(clientId, RepeatableRead)
}

// BeginWithLevel starts a transaction at the given isolation level.
func (tm *TransactionManager) BeginWithLevel(clientId uuid.UUID, level IsolationLevel) error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if _, found := tm.transactions[clientId]; found {
		return errors.New("transaction already began")
	}
	tm.transactions[clientId] = newTransaction(clientId, tm.nextTxnID.Add(1), level)
	return nil
}

// Lock acquires a lock on the (table, key) resource for the client's
// transaction, applying its isolation level:
//   - READ_UNCOMMITTED readers take no shared locks at all.
//   - A read inside a transaction already holding the resource (in either
//     mode) is a no-op.
//   - A write on a resource held shared is promoted through LockUpgrade.
//
// A lock-manager failure (deadlock victim, lock-on-shrinking) leaves the
// transaction ABORTED and surfaces the error to the caller.
func (tm *TransactionManager) Lock(clientId uuid.UUID, table database.Index, resourceKey int64, lType LockType) error {
	txn, found := tm.GetTransaction(clientId)
	if !found {
		return errors.New("no such transaction")
	}
	r := Resource{tableName: table.GetName(), key: resourceKey}
	switch lType {
	case R_LOCK:
		if txn.GetIsolationLevel() == ReadUncommitted {
			return nil
		}
		return tm.lm.LockShared(txn, r)
	case W_LOCK:
		if txn.IsSharedLocked(r) {
			return tm.lm.LockUpgrade(txn, r)
		}
		return tm.lm.LockExclusive(txn, r)
	default:
		return fmt.Errorf("unknown lock type %v", lType)
	}
}

// Unlock releases the client's lock on the (table, key) resource. The
// caller must name the mode it holds; releasing a write lock as a read
// lock (or vice versa) is an error.
func (tm *TransactionManager) Unlock(clientId uuid.UUID, table database.Index, resourceKey int64, lType LockType) error {
	txn, found := tm.GetTransaction(clientId)
	if !found {
		return errors.New("no such transaction")
	}
	r := Resource{tableName: table.GetName(), key: resourceKey}
	switch {
	case lType == R_LOCK && txn.GetIsolationLevel() == ReadUncommitted:
		// Nothing was taken for the read in the first place.
		return nil
	case lType == R_LOCK && !txn.IsSharedLocked(r),
		lType == W_LOCK && !txn.IsExclusiveLocked(r):
		return errors.New("tm.unlock: invalid unlock request")
	}
	return tm.lm.Unlock(txn, r)
}

// Commit ends the given client's transaction, releasing every lock it
// still holds.
func (tm *TransactionManager) Commit(clientId uuid.UUID) error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	t, found := tm.transactions[clientId]
	if !found {
		return errors.New("no transactions running")
	}
	tm.lm.UnlockAll(t)
	t.SetState(COMMITTED)
	delete(tm.transactions, clientId)
	return nil
}

// Abort rolls the client's transaction back by undoing its write records
// newest-first against the database, then releases its locks and removes
// it. The lock release happens after the undo writes so no other
// transaction can observe a partially rolled-back row. A nil db skips the
// undo pass, for transactions that never wrote.
func (tm *TransactionManager) Abort(clientId uuid.UUID, db *database.Database) error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	t, found := tm.transactions[clientId]
	if !found {
		return errors.New("no transactions running")
	}
	writes := t.GetWriteSet()
	if db == nil {
		writes = nil
	}
	var undoErr error
	for i := len(writes) - 1; i >= 0; i-- {
		rec := writes[i]
		table, err := db.GetTable(rec.Table)
		if err != nil {
			undoErr = err
			continue
		}
		switch rec.Op {
		case WriteInsert:
			err = table.Delete(rec.Key)
		case WriteUpdate:
			err = table.Update(rec.Key, rec.OldValue)
		case WriteDelete:
			err = table.Insert(rec.Key, rec.OldValue)
		}
		if err != nil && undoErr == nil {
			undoErr = err
		}
	}
	tm.lm.UnlockAll(t)
	t.SetState(ABORTED)
	delete(tm.transactions, clientId)
	return undoErr
}
