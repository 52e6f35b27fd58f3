// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Config names the project and default topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Publisher wraps a Pub/Sub client. Publish blocks until the server
// acknowledges the message.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects a client and checks the default topic exists.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	if strings.TrimSpace(cfg.TopicName) == "" {
		return nil, fmt.Errorf("pubsub.topic_name is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := &Publisher{client: client, defaultTopic: cfg.TopicName, topics: make(map[string]*pubsub.Topic)}

	exists, err := p.topic(cfg.TopicName).Exists(ctx)
	if err != nil {
		return nil, p.closeAfter(fmt.Errorf("check topic %q: %w", cfg.TopicName, err))
	}
	if !exists {
		return nil, p.closeAfter(fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicName, cfg.ProjectID))
	}
	return p, nil
}

func (p *Publisher) closeAfter(err error) error {
	if closeErr := p.Close(); closeErr != nil {
		return fmt.Errorf("%w (close client: %v)", err, closeErr)
	}
	return err
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Publish marshals payload to JSON and publishes it. An empty topic uses
// the configured default.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
