package eventlog

import (
	"context"
	"time"
)

// appendSignal returns a channel closed by the next successful append.
// Capture it before reading so an append between read and wait is not missed.
func (l *Log) appendSignal() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until either a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	return waitSignal(context.Background(), l.appendSignal(), timeout)
}

func waitSignal(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
