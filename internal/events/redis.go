package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus stores each session's events in a redis stream. Stream entry IDs
// double as event IDs and poll cursors, and a hash per session carries the
// per-capability step counters so numbering survives process restarts.
type RedisBus struct {
	client *redis.Client
	opts   Options
	logger *log.Logger
}

func NewRedisBus(client *redis.Client, opts Options) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   opts.withDefaults(),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

func streamKey(sessionID string) string { return "qp:events:" + sessionID }
func stepsKey(sessionID string) string  { return "qp:steps:" + sessionID }

func (b *RedisBus) Append(ctx context.Context, e Event) (Event, error) {
	if e.SessionID == "" {
		return Event{}, fmt.Errorf("event missing session id")
	}
	if e.Capability == "" {
		return Event{}, fmt.Errorf("event missing capability name")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	step, err := b.client.HIncrBy(ctx, stepsKey(e.SessionID), e.Capability, 1).Result()
	if err != nil {
		return Event{}, fmt.Errorf("incrementing step counter: %w", err)
	}
	e.StepNumber = int(step)
	payload, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(e.SessionID),
		Values: map[string]interface{}{"event": string(payload)},
	}).Result()
	if err != nil {
		return Event{}, fmt.Errorf("appending event: %w", err)
	}
	e.ID = id
	b.client.Expire(ctx, streamKey(e.SessionID), b.opts.TTL)
	b.client.Expire(ctx, stepsKey(e.SessionID), b.opts.TTL)
	appendedTotal.WithLabelValues(string(e.Kind)).Inc()
	return e, nil
}

// readAfter returns the session's events with stream IDs greater than
// sinceID, and whether a terminal event exists anywhere in the stream.
func (b *RedisBus) readAfter(ctx context.Context, sessionID, sinceID string) ([]Event, bool, error) {
	msgs, err := b.client.XRange(ctx, streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, false, fmt.Errorf("reading events: %w", err)
	}
	var out []Event
	terminal := false
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			b.logger.Printf("skipping malformed stream entry %s in session %s", m.ID, sessionID)
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			b.logger.Printf("skipping undecodable stream entry %s in session %s: %v", m.ID, sessionID, err)
			continue
		}
		e.ID = m.ID
		if IsTerminal(e) {
			terminal = true
		}
		if sinceID == "" || streamIDLess(sinceID, m.ID) {
			out = append(out, e)
		}
	}
	return out, terminal, nil
}

// streamIDLess compares redis stream IDs of the form "<ms>-<seq>".
func streamIDLess(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitStreamID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		v, _ := strconv.ParseInt(id, 10, 64)
		return v, 0
	}
	m, _ := strconv.ParseInt(ms, 10, 64)
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()
		lastID := ""
		lastActivity := time.Now()
		for {
			pending, _, err := b.readAfter(ctx, sessionID, lastID)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Printf("subscription read failed for session %s: %v", sessionID, err)
				}
				return
			}
			if len(pending) > 0 {
				lastActivity = time.Now()
			}
			for _, e := range pending {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				lastID = e.ID
				if IsTerminal(e) {
					return
				}
			}
			if time.Since(lastActivity) > b.opts.InactivityTimeout {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Poll(ctx context.Context, sessionID, sinceID string) ([]Event, bool, error) {
	out, terminal, err := b.readAfter(ctx, sessionID, sinceID)
	if err != nil {
		return nil, false, err
	}
	return out, !terminal, nil
}
