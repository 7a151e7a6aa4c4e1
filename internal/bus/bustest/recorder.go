// Package bustest provides an in-memory publisher that records envelopes for
// assertions in agent tests.
package bustest

import (
	"context"
	"encoding/json"
	"sync"

	"ReliefChain/internal/bus"
)

// Recorder implements bus.Bus. Publish stores envelopes; Subscribe blocks
// until the context ends. Fail makes the next publishes on a topic error.
type Recorder struct {
	mu       sync.Mutex
	envs     []bus.Envelope
	failures map[string]error
}

var _ bus.Bus = (*Recorder)(nil)

func New() *Recorder {
	return &Recorder{failures: make(map[string]error)}
}

func (r *Recorder) Publish(_ context.Context, env bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[env.Topic]; err != nil {
		return err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *Recorder) Subscribe(ctx context.Context, _, _ string, _ bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *Recorder) Close() error { return nil }

// Fail makes publishes to topic return err until cleared with a nil err.
func (r *Recorder) Fail(topic string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[topic] = err
}

// Envelopes returns the envelopes published on topic in order.
func (r *Recorder) Envelopes(topic string) []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Envelope
	for _, e := range r.envs {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Decode returns the payloads published on topic decoded as T.
func Decode[T any](r *Recorder, topic string) []T {
	var out []T
	for _, e := range r.Envelopes(topic) {
		var v T
		if err := json.Unmarshal(e.Payload, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
