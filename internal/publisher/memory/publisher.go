// Package memory records document change events in process. It encodes
// payloads the same way the Pub/Sub publisher does, so a test sees exactly
// what a subscriber would receive.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Message is one recorded publish.
type Message struct {
	ID    string
	Topic string
	// Data is the JSON body a Pub/Sub subscriber would receive.
	Data  []byte
	Event crawler.DocumentChanged
}

// Publisher implements crawler.Publisher for DocumentChanged events.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload and records it under topic. Only
// crawler.DocumentChanged payloads are accepted.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	var event crawler.DocumentChanged
	switch v := payload.(type) {
	case crawler.DocumentChanged:
		event = v
	case *crawler.DocumentChanged:
		if v == nil {
			return "", fmt.Errorf("nil change event")
		}
		event = *v
	default:
		return "", fmt.Errorf("unsupported payload %T", payload)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Event: event})
	return id, nil
}

// Messages returns every recorded publish in order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the events published to topic, oldest first.
func (p *Publisher) Topic(topic string) []crawler.DocumentChanged {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.DocumentChanged
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m.Event)
		}
	}
	return out
}

// URLs returns the document URLs announced on topic.
func (p *Publisher) URLs(topic string) []string {
	events := p.Topic(topic)
	urls := make([]string, len(events))
	for i, e := range events {
		urls[i] = e.URL
	}
	return urls
}
