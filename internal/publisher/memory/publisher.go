// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection, keyed by topic.
type Publisher struct {
	mu       sync.RWMutex
	byTopic  map[string][]any
	nextSeq  int
	failWith error
}

// NewPublisher returns a memory Publisher.
func NewPublisher() *Publisher {
	return &Publisher{byTopic: make(map[string][]any)}
}

// Publish records the payload under the topic and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.byTopic[topic] = append(p.byTopic[topic], payload)
	p.nextSeq++
	return fmt.Sprintf("memory-%d", p.nextSeq), nil
}

// Messages returns the payloads recorded for a topic.
func (p *Publisher) Messages(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.byTopic[topic]))
	copy(out, p.byTopic[topic])
	return out
}

// FailWith makes subsequent publishes return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}
