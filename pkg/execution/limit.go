package execution

import (
	"crabdb/pkg/entry"
)

// Limit discards the first offset rows of its child, then passes through
// at most limit rows.
type Limit struct {
	child   Executor
	offset  int64
	limit   int64
	skipped int64
	emitted int64
}

func NewLimit(child Executor, offset int64, limit int64) *Limit {
	return &Limit{child: child, offset: offset, limit: limit}
}

func (l *Limit) Init() error {
	l.skipped = 0
	l.emitted = 0
	return l.child.Init()
}

func (l *Limit) Next() (entry.Entry, bool, error) {
	for {
		if l.emitted >= l.limit {
			return entry.Entry{}, false, nil
		}
		row, ok, err := l.child.Next()
		if err != nil || !ok {
			return entry.Entry{}, false, err
		}
		if l.skipped < l.offset {
			l.skipped++
			continue
		}
		l.emitted++
		return row, true, nil
	}
}
