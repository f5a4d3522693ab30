package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. It backs single-node deployments without
// redis and every test that needs a bus.
type MemoryBus struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*memorySession
}

type memorySession struct {
	events   []Event
	steps    map[string]int
	seq      int
	terminal bool
	// changed is closed and replaced on every append so subscribers can
	// wait without polling.
	changed chan struct{}
}

func NewMemoryBus(opts Options) *MemoryBus {
	return &MemoryBus{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*memorySession),
	}
}

func (b *MemoryBus) session(id string) *memorySession {
	s, ok := b.sessions[id]
	if !ok {
		s = &memorySession{
			steps:   make(map[string]int),
			changed: make(chan struct{}),
		}
		b.sessions[id] = s
	}
	return s
}

func (b *MemoryBus) Append(ctx context.Context, e Event) (Event, error) {
	if e.SessionID == "" {
		return Event{}, fmt.Errorf("event missing session id")
	}
	if e.Capability == "" {
		return Event{}, fmt.Errorf("event missing capability name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(e.SessionID)
	s.seq++
	s.steps[e.Capability]++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ID = fmt.Sprintf("%d-%d", e.CreatedAt.UnixMilli(), s.seq)
	e.StepNumber = s.steps[e.Capability]
	s.events = append(s.events, e)
	if IsTerminal(e) {
		s.terminal = true
	}
	close(s.changed)
	s.changed = make(chan struct{})
	appendedTotal.WithLabelValues(string(e.Kind)).Inc()
	return e, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		cursor := 0
		deadline := time.NewTimer(b.opts.InactivityTimeout)
		defer deadline.Stop()
		for {
			b.mu.Lock()
			s := b.session(sessionID)
			pending := append([]Event(nil), s.events[cursor:]...)
			cursor = len(s.events)
			changed := s.changed
			b.mu.Unlock()

			if len(pending) > 0 {
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(b.opts.InactivityTimeout)
			}
			for _, e := range pending {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				if IsTerminal(e) {
					return
				}
			}
			select {
			case <-changed:
			case <-deadline.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBus) Poll(ctx context.Context, sessionID, sinceID string) ([]Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(sessionID)
	start := 0
	if sinceID != "" {
		for i, e := range s.events {
			if e.ID == sinceID {
				start = i + 1
				break
			}
		}
	}
	out := append([]Event(nil), s.events[start:]...)
	return out, !s.terminal, nil
}
