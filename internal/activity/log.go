// Package activity keeps a bounded in-memory record of operational events
// (model loads, persistence failures, rejected auth). The fail-open policies
// of the service never surface as errors to clients, so this log is how
// operators and tests observe them.
package activity

import (
	"sync"
	"time"
)

type EventType string

const (
	EventModelLoad       EventType = "model_load"
	EventModelLoadFailed EventType = "model_load_failed"
	EventLogInsertFailed EventType = "log_insert_failed"
	EventAuthFailed      EventType = "auth_failed"
)

type Event struct {
	At    time.Time `json:"at"`
	Type  EventType `json:"type"`
	Model string    `json:"model,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Log is a fixed-size ring of events. Old entries are overwritten once the
// buffer wraps.
type Log struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

func New(size int) *Log {
	if size <= 0 {
		size = 200
	}
	return &Log{
		buf: make([]Event, size),
	}
}

func (l *Log) Add(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next >= len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// List returns the recorded events, newest first.
func (l *Log) List() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full && l.next == 0 {
		return nil
	}

	var out []Event
	if l.full {
		out = make([]Event, 0, len(l.buf))
		out = append(out, l.buf[l.next:]...)
		out = append(out, l.buf[:l.next]...)
	} else {
		out = append([]Event(nil), l.buf[:l.next]...)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
