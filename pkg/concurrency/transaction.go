package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TransactionState models the strict two-phase-locking state machine a
// Transaction moves through: GROWING transactions may still acquire locks;
// under REPEATABLE_READ, once a transaction releases its first lock it flips
// to SHRINKING and may never acquire another (weaker isolation levels stay
// GROWING across their early releases). COMMITTED/ABORTED are terminal.
type TransactionState int32

const (
	GROWING TransactionState = iota
	SHRINKING
	COMMITTED
	ABORTED
)

func (s TransactionState) String() string {
	switch s {
	case GROWING:
		return "GROWING"
	case SHRINKING:
		return "SHRINKING"
	case COMMITTED:
		return "COMMITTED"
	case ABORTED:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel controls how/when the execution operators take and
// release shared locks; the lock manager itself is blind to it.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// WriteRecordOp names the kind of mutation a WriteRecord undoes.
type WriteRecordOp int

const (
	WriteInsert WriteRecordOp = iota
	WriteUpdate
	WriteDelete
)

// WriteRecord is an undo-log entry appended by an execution operator
// after it mutates a row, so an aborted transaction can be rolled back.
type WriteRecord struct {
	Op       WriteRecordOp
	Table    string
	Key      int64
	OldValue int64
	NewValue int64
}

// Each client runs at most one transaction at a time, so the clientID is a
// unique identifier for both the Transaction and its client connection.
// txnID is the monotonically increasing surrogate base §3 calls out; it is
// what the lock manager's waits-for graph and request queues key on.
type Transaction struct {
	clientId uuid.UUID
	txnID    int64

	state          atomic.Int32
	isolationLevel IsolationLevel

	sharedLocks    map[Resource]bool
	exclusiveLocks map[Resource]bool

	writeSet []WriteRecord

	mtx sync.RWMutex
}

func newTransaction(clientId uuid.UUID, txnID int64, level IsolationLevel) *Transaction {
	t := &Transaction{
		clientId:       clientId,
		txnID:          txnID,
		isolationLevel: level,
		sharedLocks:    make(map[Resource]bool),
		exclusiveLocks: make(map[Resource]bool),
	}
	t.state.Store(int32(GROWING))
	return t
}

func (t *Transaction) WLock() {
	t.mtx.Lock()
}

func (t *Transaction) WUnlock() {
	t.mtx.Unlock()
}

func (t *Transaction) RLock() {
	t.mtx.RLock()
}

func (t *Transaction) RUnlock() {
	t.mtx.RUnlock()
}

func (t *Transaction) GetClientID() (clientId uuid.UUID) {
	return t.clientId
}

// GetTxnID returns the monotonically increasing id the lock manager's
// waits-for graph and request queues key this transaction by.
func (t *Transaction) GetTxnID() int64 {
	return t.txnID
}

// GetResources returns a snapshot of every resource this transaction holds
// a lock on, mapped to the mode it holds it in.
func (t *Transaction) GetResources() map[Resource]LockType {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	resources := make(map[Resource]LockType, len(t.sharedLocks)+len(t.exclusiveLocks))
	for r := range t.sharedLocks {
		resources[r] = R_LOCK
	}
	for r := range t.exclusiveLocks {
		resources[r] = W_LOCK
	}
	return resources
}

// heldResources lists every resource this transaction holds a lock on.
func (t *Transaction) heldResources() []Resource {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	rs := make([]Resource, 0, len(t.sharedLocks)+len(t.exclusiveLocks))
	for r := range t.sharedLocks {
		rs = append(rs, r)
	}
	for r := range t.exclusiveLocks {
		rs = append(rs, r)
	}
	return rs
}

// GetState is lock-free so it may be read from inside a lock manager wait
// loop (which holds the manager's own mutex) without risking deadlock.
func (t *Transaction) GetState() TransactionState {
	return TransactionState(t.state.Load())
}

func (t *Transaction) SetState(s TransactionState) {
	t.state.Store(int32(s))
}

func (t *Transaction) GetIsolationLevel() IsolationLevel {
	return t.isolationLevel
}

// IsSharedLocked reports whether this transaction currently holds (or is
// recorded as holding) a shared lock on r.
func (t *Transaction) IsSharedLocked(r Resource) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.sharedLocks[r]
}

// IsExclusiveLocked reports whether this transaction currently holds an
// exclusive lock on r.
func (t *Transaction) IsExclusiveLocked(r Resource) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.exclusiveLocks[r]
}

func (t *Transaction) addSharedLock(r Resource) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.sharedLocks[r] = true
}

func (t *Transaction) addExclusiveLock(r Resource) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.sharedLocks, r)
	t.exclusiveLocks[r] = true
}

func (t *Transaction) removeSharedLock(r Resource) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.sharedLocks, r)
}

func (t *Transaction) removeExclusiveLock(r Resource) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.exclusiveLocks, r)
}

// AppendWriteRecord logs an undo-capable mutation; TransactionManager.Abort
// walks this in reverse to undo the transaction's writes.
func (t *Transaction) AppendWriteRecord(rec WriteRecord) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.writeSet = append(t.writeSet, rec)
}

// GetWriteSet returns the transaction's undo log, oldest record first.
func (t *Transaction) GetWriteSet() []WriteRecord {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	out := make([]WriteRecord, len(t.writeSet))
	copy(out, t.writeSet)
	return out
}
