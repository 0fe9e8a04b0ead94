package execution_test

import (
	"testing"

	"crabdb/pkg/btree"
	"crabdb/pkg/concurrency"
	"crabdb/pkg/database"
	"crabdb/pkg/entry"
	"crabdb/pkg/execution"

	"github.com/google/uuid"
)

// harness bundles everything a statement needs to run.
type harness struct {
	db       *database.Database
	tm       *concurrency.TransactionManager
	clientID uuid.UUID
	ctx      *execution.Context
}

func setupHarness(t *testing.T, level concurrency.IsolationLevel) *harness {
	t.Parallel()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	lm := concurrency.NewLockManager()
	t.Cleanup(func() {
		_ = lm.Close()
	})
	tm := concurrency.NewTransactionManager(lm)
	clientID := uuid.New()
	if err := tm.BeginWithLevel(clientID, level); err != nil {
		t.Fatal(err)
	}
	return &harness{
		db:       db,
		tm:       tm,
		clientID: clientID,
		ctx:      execution.NewContext(db, tm, clientID),
	}
}

func (h *harness) createTable(t *testing.T, name string) database.Index {
	t.Helper()
	table, err := h.db.CreateTable(name, database.BTreeIndexType)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// runToEnd drains an executor and returns its rows.
func runToEnd(t *testing.T, op execution.Executor) []entry.Entry {
	t.Helper()
	if err := op.Init(); err != nil {
		t.Fatal(err)
	}
	var rows []entry.Entry
	for {
		row, ok, err := op.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

// seed inserts n rows with keys 0..n-1 and value = key*10 through the
// insert operator, under its own transaction that commits immediately, so
// the rows are visible and unlocked before the test's transaction runs.
func seed(t *testing.T, h *harness, table database.Index, n int64) {
	t.Helper()
	seedClient := uuid.New()
	if err := h.tm.Begin(seedClient); err != nil {
		t.Fatal(err)
	}
	seedCtx := execution.NewContext(h.db, h.tm, seedClient)
	values := make([]entry.Entry, 0, n)
	for i := int64(0); i < n; i++ {
		values = append(values, entry.New(i, i*10))
	}
	inserted := runToEnd(t, execution.NewInsert(seedCtx, table, values))
	if int64(len(inserted)) != n {
		t.Fatalf("expected %d inserted rows, got %d", n, len(inserted))
	}
	if err := h.tm.Commit(seedClient); err != nil {
		t.Fatal(err)
	}
}

func TestExecutors(t *testing.T) {
	t.Run("SeqScan", testSeqScan)
	t.Run("SeqScanPredicate", testSeqScanPredicate)
	t.Run("InsertDuplicate", testInsertDuplicate)
	t.Run("IndexScanRange", testIndexScanRange)
	t.Run("UpdateAndRollback", testUpdateAndRollback)
	t.Run("DeleteAndRollback", testDeleteAndRollback)
	t.Run("NestedLoopJoin", testNestedLoopJoin)
	t.Run("NestedIndexJoin", testNestedIndexJoin)
	t.Run("Aggregation", testAggregation)
	t.Run("Limit", testLimit)
	t.Run("ReadCommittedReleasesShared", testReadCommittedReleasesShared)
	t.Run("ReadUncommittedTakesNoSharedLocks", testReadUncommittedTakesNoSharedLocks)
}

func testSeqScan(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 10)

	rows := runToEnd(t, execution.NewSeqScan(h.ctx, table, nil))
	if len(rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Key != int64(i) || row.Value != int64(i)*10 {
			t.Fatalf("row %d: got (%d, %d)", i, row.Key, row.Value)
		}
	}
}

func testSeqScanPredicate(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 10)

	rows := runToEnd(t, execution.NewSeqScan(h.ctx, table, func(e entry.Entry) bool {
		return e.Value >= 50
	}))
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows passing the predicate, got %d", len(rows))
	}
	if rows[0].Key != 5 {
		t.Fatalf("expected first surviving key 5, got %d", rows[0].Key)
	}
}

func testInsertDuplicate(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 3)

	op := execution.NewInsert(h.ctx, table, []entry.Entry{entry.New(1, 99)})
	if err := op.Init(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := op.Next(); err == nil {
		t.Fatal("expected duplicate-key insert to fail")
	}
}

func testIndexScanRange(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 100)

	index, ok := table.(*btree.BTreeIndex)
	if !ok {
		t.Fatal("expected a B+tree-backed table")
	}
	rows := runToEnd(t, execution.NewIndexScan(h.ctx, index, 25, 100, nil))
	if len(rows) != 75 {
		t.Fatalf("expected 75 rows in [25, 100), got %d", len(rows))
	}
	for i, row := range rows {
		if row.Key != int64(i)+25 {
			t.Fatalf("row %d: expected key %d, got %d", i, i+25, row.Key)
		}
	}
}

func testUpdateAndRollback(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 5)

	scan := execution.NewSeqScan(h.ctx, table, func(e entry.Entry) bool { return e.Key == 2 })
	updated := runToEnd(t, execution.NewUpdate(h.ctx, table, scan, func(e entry.Entry) int64 {
		return e.Value + 1
	}))
	if len(updated) != 1 || updated[0].Value != 21 {
		t.Fatalf("expected one row updated to 21, got %v", updated)
	}
	got, err := table.Find(2)
	if err != nil || got.Value != 21 {
		t.Fatalf("expected value 21 in the table, got (%v, %v)", got, err)
	}

	// Rolling back restores the pre-image.
	if err := h.tm.Abort(h.clientID, h.db); err != nil {
		t.Fatal(err)
	}
	got, err = table.Find(2)
	if err != nil || got.Value != 20 {
		t.Fatalf("expected rollback to restore value 20, got (%v, %v)", got, err)
	}
}

func testDeleteAndRollback(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 5)

	scan := execution.NewSeqScan(h.ctx, table, func(e entry.Entry) bool { return e.Key >= 3 })
	deleted := runToEnd(t, execution.NewDelete(h.ctx, table, scan))
	if len(deleted) != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", len(deleted))
	}
	if _, err := table.Find(3); err == nil {
		t.Fatal("expected key 3 to be gone")
	}

	if err := h.tm.Abort(h.clientID, h.db); err != nil {
		t.Fatal(err)
	}
	for _, key := range []int64{3, 4} {
		got, err := table.Find(key)
		if err != nil || got.Value != key*10 {
			t.Fatalf("expected rollback to restore (%d, %d), got (%v, %v)", key, key*10, got, err)
		}
	}
}

func testNestedLoopJoin(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	left := h.createTable(t, "orders")
	right := h.createTable(t, "shipments")
	seed(t, h, left, 6)
	// Only even keys have a shipment.
	var values []entry.Entry
	for i := int64(0); i < 6; i += 2 {
		values = append(values, entry.New(i, i+100))
	}
	runToEnd(t, execution.NewInsert(h.ctx, right, values))

	join := execution.NewNestedLoopJoin(
		execution.NewSeqScan(h.ctx, left, nil),
		execution.NewSeqScan(h.ctx, right, nil),
		nil, nil,
	)
	rows := runToEnd(t, join)
	if len(rows) != 3 {
		t.Fatalf("expected 3 joined rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Key%2 != 0 || row.Value != row.Key+100 {
			t.Fatalf("unexpected joined row (%d, %d)", row.Key, row.Value)
		}
	}
}

func testNestedIndexJoin(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	outer := h.createTable(t, "orders")
	inner := h.createTable(t, "shipments")
	seed(t, h, outer, 6)
	var values []entry.Entry
	for i := int64(0); i < 6; i += 2 {
		values = append(values, entry.New(i, i+100))
	}
	runToEnd(t, execution.NewInsert(h.ctx, inner, values))

	join := execution.NewNestedIndexJoin(
		h.ctx,
		execution.NewSeqScan(h.ctx, outer, nil),
		inner,
		nil, nil,
	)
	rows := runToEnd(t, join)
	if len(rows) != 3 {
		t.Fatalf("expected 3 joined rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Key%2 != 0 || row.Value != row.Key+100 {
			t.Fatalf("unexpected joined row (%d, %d)", row.Key, row.Value)
		}
	}
}

func testAggregation(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 10)

	// Group by key parity: evens sum to 0+20+40+60+80, odds to 10+30+50+70+90.
	agg := execution.NewAggregation(
		execution.NewSeqScan(h.ctx, table, nil),
		func(e entry.Entry) int64 { return e.Key % 2 },
		execution.AggSum,
		nil,
	)
	rows := runToEnd(t, agg)
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rows))
	}
	if rows[0].Key != 0 || rows[0].Value != 200 {
		t.Fatalf("even group: got (%d, %d)", rows[0].Key, rows[0].Value)
	}
	if rows[1].Key != 1 || rows[1].Value != 250 {
		t.Fatalf("odd group: got (%d, %d)", rows[1].Key, rows[1].Value)
	}

	// A HAVING predicate filters finished groups.
	agg = execution.NewAggregation(
		execution.NewSeqScan(h.ctx, table, nil),
		func(e entry.Entry) int64 { return e.Key % 2 },
		execution.AggCount,
		func(groupKey int64, aggValue int64) bool { return groupKey == 1 },
	)
	rows = runToEnd(t, agg)
	if len(rows) != 1 || rows[0].Key != 1 || rows[0].Value != 5 {
		t.Fatalf("expected only the odd group with count 5, got %v", rows)
	}
}

func testLimit(t *testing.T) {
	h := setupHarness(t, concurrency.RepeatableRead)
	table := h.createTable(t, "orders")
	seed(t, h, table, 10)

	rows := runToEnd(t, execution.NewLimit(execution.NewSeqScan(h.ctx, table, nil), 3, 4))
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Key != int64(i)+3 {
			t.Fatalf("row %d: expected key %d, got %d", i, i+3, row.Key)
		}
	}
}

func testReadCommittedReleasesShared(t *testing.T) {
	h := setupHarness(t, concurrency.ReadCommitted)
	table := h.createTable(t, "orders")
	seed(t, h, table, 5)

	rows := runToEnd(t, execution.NewSeqScan(h.ctx, table, nil))
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	txn, _ := h.tm.GetTransaction(h.clientID)
	for r, mode := range txn.GetResources() {
		if mode == concurrency.R_LOCK {
			t.Fatalf("expected all shared locks released after the scan, still holding %v", r)
		}
	}
}

func testReadUncommittedTakesNoSharedLocks(t *testing.T) {
	h := setupHarness(t, concurrency.ReadUncommitted)
	table := h.createTable(t, "orders")
	seed(t, h, table, 5)

	rows := runToEnd(t, execution.NewSeqScan(h.ctx, table, nil))
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	txn, _ := h.tm.GetTransaction(h.clientID)
	for r, mode := range txn.GetResources() {
		if mode == concurrency.R_LOCK {
			t.Fatalf("reader took a shared lock under READ_UNCOMMITTED on %v", r)
		}
	}
}
