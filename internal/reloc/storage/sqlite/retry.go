package sqlite

import (
	"strings"
	"time"
)

const (
	maxBusyRetries   = 5
	initialBusyDelay = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY/locked
// condition worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying with exponential backoff while the
// database reports busy. Non-busy errors pass through immediately.
func retryOnBusy(fn func() error) error {
	delay := initialBusyDelay
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
