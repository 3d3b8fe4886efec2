package core

import (
	"context"
	"sync"
	"time"
)

// One-directional pushes to the rendering page. The page long-polls
// /events/{seq} and renders each event exactly once; the one-shot
// semantics (calibration warning, per-bit disable popups) are enforced
// by the producers, the queue just orders and hands out.

const (
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventConnectFailed      = "connect-failed"
	EventCalibrationWarning = "calibration-warning"
	EventDisableReason      = "disable-reason"
	EventNvStatus           = "nv-status"
)

type Event struct {
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

type eventLog struct {
	mutex  sync.Mutex
	seq    uint64
	events []Event
	max    int
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) push(kind, severity, message string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.seq++
	l.events = append(l.events, Event{
		Seq:      l.seq,
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Time:     time.Now(),
	})
	for len(l.events) > l.max {
		l.events = l.events[1:]
	}
}

// since returns events with Seq > after.
func (l *eventLog) since(after uint64) []Event {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Events long-polls for events after the given sequence number,
// in bounded iterations so a dead client cannot pin the handler.
func (c *Core) Events(ctx context.Context, after uint64) ([]Event, error) {
	const (
		iterMax   = 600
		iterDelay = 500 * time.Millisecond
	)

	for i := 0; i < iterMax; i++ {
		if evs := c.events.since(after); len(evs) > 0 {
			return evs, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(iterDelay):
		}
	}
	return nil, nil
}
