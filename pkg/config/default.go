// Global database config.
package config

import "time"

// Name of the database.
const DBName = "crabdb"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// The maximum number of pages that can be in the pager's buffer at once.
// This is the buffer pool's pool_size, i.e. the fixed number of frames.
const MaxPagesInBuffer = 32

// Name of log file.
const LogFileName = "db.log"

// CycleDetectionInterval is the period on which the lock manager's
// background goroutine scans the waits-for graph for cycles.
const CycleDetectionInterval = 50 * time.Millisecond

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
