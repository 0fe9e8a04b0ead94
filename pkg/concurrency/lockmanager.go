package concurrency

import (
	"errors"
	"sync"
	"time"

	"crabdb/pkg/config"

	"golang.org/x/sync/errgroup"
)

// Errors surfaced by the lock manager. ErrLockOnShrinking and ErrDeadlock
// abort the requesting transaction: callers observe the error, see
// state == ABORTED, and are expected to roll back. ErrNoLockHeld leaves the
// transaction's state unchanged.
var (
	// ErrLockOnShrinking is returned when a transaction that has already
	// released a lock asks for another one.
	ErrLockOnShrinking = errors.New("lock requested after transaction began releasing locks")

	// ErrDeadlock is returned to a waiter the deadlock detector picked as
	// the victim of a waits-for cycle.
	ErrDeadlock = errors.New("transaction aborted to break a deadlock")

	// ErrNoLockHeld is returned when unlocking a resource the transaction
	// never locked.
	ErrNoLockHeld = errors.New("no lock held on resource")
)

// lockRequest is one transaction's place in a resource's queue.
type lockRequest struct {
	txnID   int64
	mode    LockType
	granted bool
}

// lockRequestQueue serializes all lock traffic on a single resource.
// The condition variable shares the manager-wide mutex, so waking a queue
// is just a Broadcast under that mutex.
type lockRequestQueue struct {
	requests     []*lockRequest
	upgrading    bool  // a holder is waiting to promote S -> X
	upgradingTxn int64 // which holder
	cond         *sync.Cond
}

func (q *lockRequestQueue) find(txnID int64) (int, *lockRequest) {
	for i, req := range q.requests {
		if req.txnID == txnID {
			return i, req
		}
	}
	return -1, nil
}

func (q *lockRequestQueue) remove(txnID int64) bool {
	i, _ := q.find(txnID)
	if i < 0 {
		return false
	}
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
	return true
}

// LockManager hands out transaction-scoped shared/exclusive locks on
// resources, queueing conflicting requests per resource and watching the
// resulting waits-for graph for deadlocks from a background goroutine.
//
// The manager knows nothing about isolation levels: whether a reader takes
// an S lock at all, and when locks come off, is the caller's policy.
type LockManager struct {
	mtx       sync.Mutex
	queues    map[Resource]*lockRequestQueue
	exclusive map[Resource]bool  // resources currently held in X mode
	waitsFor  *WaitsForGraph     // waiter -> holder edges, maintained by waiters
	waitingOn map[int64]Resource // which queue each sleeping transaction blocks on
	sleeping  map[int64]*Transaction

	detector errgroup.Group
	done     chan struct{}
}

// NewLockManager constructs a lock manager and starts its deadlock
// detection loop. Callers own the manager's lifetime and must Close it.
func NewLockManager() *LockManager {
	lm := &LockManager{
		queues:    make(map[Resource]*lockRequestQueue),
		exclusive: make(map[Resource]bool),
		waitsFor:  NewGraph(),
		waitingOn: make(map[int64]Resource),
		sleeping:  make(map[int64]*Transaction),
		done:      make(chan struct{}),
	}
	lm.detector.Go(lm.runDetection)
	return lm
}

// Close stops the deadlock detection loop and waits for it to exit.
func (lm *LockManager) Close() error {
	close(lm.done)
	return lm.detector.Wait()
}

// GetWaitsForGraph exposes the waits-for graph, primarily for tests.
func (lm *LockManager) GetWaitsForGraph() *WaitsForGraph {
	return lm.waitsFor
}

func (lm *LockManager) queueFor(r Resource) *lockRequestQueue {
	q, ok := lm.queues[r]
	if !ok {
		q = &lockRequestQueue{cond: sync.NewCond(&lm.mtx)}
		lm.queues[r] = q
	}
	return q
}

// grantedOthers lists the transactions currently granted on q besides txnID.
func (q *lockRequestQueue) grantedOthers(txnID int64) []int64 {
	var holders []int64
	for _, req := range q.requests {
		if req.granted && req.txnID != txnID {
			holders = append(holders, req.txnID)
		}
	}
	return holders
}

// othersAhead reports whether any other request sits ahead of req in the
// queue. Exclusive grants go strictly in arrival order, so an X request
// also yields to the waiters queued before it.
func (q *lockRequestQueue) othersAhead(req *lockRequest) bool {
	return len(q.requests) > 0 && q.requests[0] != req
}

// wait parks the calling transaction on q until the queue is broadcast,
// publishing waits-for edges to the given blockers for the detector to see
// and retracting them on wakeup. Returns ErrDeadlock if the detector chose
// this transaction as a victim while it slept. The manager mutex is held
// on entry and exit.
func (lm *LockManager) wait(txn *Transaction, r Resource, q *lockRequestQueue, blockers []int64) error {
	id := txn.GetTxnID()
	for _, holder := range blockers {
		lm.waitsFor.AddEdge(id, holder)
	}
	lm.waitingOn[id] = r
	lm.sleeping[id] = txn
	q.cond.Wait()
	for _, holder := range blockers {
		lm.waitsFor.RemoveEdge(id, holder)
	}
	delete(lm.waitingOn, id)
	delete(lm.sleeping, id)
	if txn.GetState() == ABORTED {
		return ErrDeadlock
	}
	return nil
}

// abandonRequest drops txn's queue entry after a failed wait and wakes the
// queue so whoever was behind the entry can re-evaluate.
func (lm *LockManager) abandonRequest(r Resource, q *lockRequestQueue, txnID int64) {
	q.remove(txnID)
	if len(q.requests) == 0 {
		delete(lm.queues, r)
	}
	q.cond.Broadcast()
}

// LockShared takes an S lock on r for txn, blocking while an exclusive
// holder or a pending upgrade stands in the way.
func (lm *LockManager) LockShared(txn *Transaction, r Resource) error {
	if txn.GetState() == SHRINKING {
		txn.SetState(ABORTED)
		return ErrLockOnShrinking
	}
	if txn.IsSharedLocked(r) || txn.IsExclusiveLocked(r) {
		return nil
	}
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	q := lm.queueFor(r)
	req := &lockRequest{txnID: txn.GetTxnID(), mode: R_LOCK}
	q.requests = append(q.requests, req)
	for q.upgrading || lm.exclusive[r] {
		var blockers []int64
		if q.upgrading {
			blockers = append(blockers, q.upgradingTxn)
		}
		if lm.exclusive[r] {
			blockers = append(blockers, q.grantedOthers(req.txnID)...)
		}
		if err := lm.wait(txn, r, q, blockers); err != nil {
			lm.abandonRequest(r, q, req.txnID)
			return err
		}
	}
	req.granted = true
	txn.addSharedLock(r)
	return nil
}

// LockExclusive takes an X lock on r for txn, blocking until txn's request
// is at the head of the queue and no other transaction holds a grant on r.
func (lm *LockManager) LockExclusive(txn *Transaction, r Resource) error {
	if txn.GetState() == SHRINKING {
		txn.SetState(ABORTED)
		return ErrLockOnShrinking
	}
	if txn.IsExclusiveLocked(r) {
		return nil
	}
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	q := lm.queueFor(r)
	req := &lockRequest{txnID: txn.GetTxnID(), mode: W_LOCK}
	q.requests = append(q.requests, req)
	for q.othersAhead(req) || len(q.grantedOthers(req.txnID)) > 0 {
		if err := lm.wait(txn, r, q, q.grantedOthers(req.txnID)); err != nil {
			lm.abandonRequest(r, q, req.txnID)
			return err
		}
	}
	req.granted = true
	lm.exclusive[r] = true
	txn.addExclusiveLock(r)
	return nil
}

// LockUpgrade promotes txn's S lock on r to an X lock, blocking until every
// other holder has drained. A second upgrade on the same resource is not
// turned away; two upgraders wait on each other until the deadlock detector
// aborts one of them.
func (lm *LockManager) LockUpgrade(txn *Transaction, r Resource) error {
	if txn.GetState() == SHRINKING {
		txn.SetState(ABORTED)
		return ErrLockOnShrinking
	}
	if txn.IsExclusiveLocked(r) {
		return nil
	}
	if !txn.IsSharedLocked(r) {
		return ErrNoLockHeld
	}
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	q := lm.queueFor(r)
	_, req := q.find(txn.GetTxnID())
	if req == nil {
		return ErrNoLockHeld
	}
	q.upgrading = true
	q.upgradingTxn = req.txnID
	for len(q.grantedOthers(req.txnID)) > 0 {
		if err := lm.wait(txn, r, q, q.grantedOthers(req.txnID)); err != nil {
			q.upgrading = false
			lm.abandonRequest(r, q, req.txnID)
			txn.removeSharedLock(r)
			return err
		}
	}
	q.upgrading = false
	req.mode = W_LOCK
	lm.exclusive[r] = true
	txn.addExclusiveLock(r)
	return nil
}

// Unlock releases txn's lock on r and wakes the queue. Under
// REPEATABLE_READ the first release moves the transaction into its
// shrinking phase; weaker isolation levels release early by design, so
// their unlocks leave the phase alone.
func (lm *LockManager) Unlock(txn *Transaction, r Resource) error {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return lm.unlockLocked(txn, r)
}

func (lm *LockManager) unlockLocked(txn *Transaction, r Resource) error {
	q, ok := lm.queues[r]
	if !ok {
		return ErrNoLockHeld
	}
	_, req := q.find(txn.GetTxnID())
	if req == nil || !req.granted {
		return ErrNoLockHeld
	}
	if txn.GetIsolationLevel() == RepeatableRead && txn.GetState() == GROWING {
		txn.SetState(SHRINKING)
	}
	if req.mode == W_LOCK {
		delete(lm.exclusive, r)
		txn.removeExclusiveLock(r)
	} else {
		txn.removeSharedLock(r)
	}
	q.remove(req.txnID)
	if len(q.requests) == 0 {
		delete(lm.queues, r)
	}
	q.cond.Broadcast()
	return nil
}

// UnlockAll releases every lock txn still holds, in no particular order.
// Used by commit and abort, after which the transaction is done locking.
func (lm *LockManager) UnlockAll(txn *Transaction) {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	for _, r := range txn.heldResources() {
		// Ignore per-resource errors; a queue torn down concurrently just
		// means there is nothing left to release.
		_ = lm.unlockLocked(txn, r)
	}
}

// runDetection wakes every cycle-detection interval and scans the waits-for
// graph, aborting the youngest member of any cycle it finds.
func (lm *LockManager) runDetection() error {
	ticker := time.NewTicker(config.CycleDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.done:
			return nil
		case <-ticker.C:
			lm.detectOnce()
		}
	}
}

func (lm *LockManager) detectOnce() {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	cycle, found := lm.waitsFor.DetectCycle()
	if !found {
		return
	}
	// The youngest transaction in the cycle (largest id) dies so the elders
	// can make progress.
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}
	txn, ok := lm.sleeping[victim]
	if !ok {
		return
	}
	txn.SetState(ABORTED)
	if r, waiting := lm.waitingOn[victim]; waiting {
		if q, ok := lm.queues[r]; ok {
			q.cond.Broadcast()
		}
	}
}
