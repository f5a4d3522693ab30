// Package capabilities holds the concrete analysis capabilities that
// register with the capability registry. Every capability follows the same
// lifecycle: emit received, think, act zero or more times, and end with a
// result or error event.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/querypilot/querypilot/internal/events"
)

// emitter wraps the event sink with a fixed capability name.
type emitter struct {
	sink   events.Sink
	name   string
	logger *log.Logger
}

func newEmitter(sink events.Sink, name string) emitter {
	return emitter{
		sink:   sink,
		name:   name,
		logger: log.New(log.Writer(), fmt.Sprintf("[%s] ", name), log.LstdFlags),
	}
}

func (e emitter) emit(ctx context.Context, sessionID string, kind events.Kind, title string, details map[string]interface{}, durationMS int64) {
	_, err := e.sink.Append(ctx, events.Event{
		SessionID:  sessionID,
		Capability: e.name,
		Kind:       kind,
		Title:      title,
		Details:    details,
		DurationMS: durationMS,
	})
	if err != nil {
		e.logger.Printf("failed to emit %s event: %v", kind, err)
	}
}

// extractJSON pulls the first balanced JSON object out of model output and
// unmarshals it into out.
func extractJSON(response string, out interface{}) error {
	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return json.Unmarshal([]byte(response[start:i+1]), out)
			}
		}
	}
	return fmt.Errorf("no JSON found in response")
}
