// Package pubsub announces newly accepted relevant articles on a Google
// Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Message is the JSON payload published for each relevant article.
type Message struct {
	Stream     string    `json:"stream"`
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Authors    []string  `json:"authors,omitempty"`
	Published  time.Time `json:"published,omitempty"`
	Rationale  string    `json:"rationale"`
	TieBreak   bool      `json:"tie_break"`
}

// Notifier publishes accepted items to a topic. It implements
// crawler.Notifier.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
	logger *zap.Logger
}

var _ crawler.Notifier = (*Notifier)(nil)

// New connects to Pub/Sub with Application Default Credentials and checks
// that the topic exists.
func New(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Notifier, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	n, err := NewWithClient(ctx, client, topicID, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, err
	}
	n.owned = true
	return n, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(ctx context.Context, client *pubsub.Client, topicID string, logger *zap.Logger) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &Notifier{client: client, topic: topic, logger: logger.Named("notify")}, nil
}

// Notify publishes item and waits for the server to acknowledge it.
func (n *Notifier) Notify(ctx context.Context, item crawler.ClassifiedItem) error {
	data, err := json.Marshal(Message{
		Stream:     item.Item.StreamKey,
		Identifier: item.Item.Identifier,
		Title:      item.Item.Title,
		URL:        item.Item.URL,
		Authors:    item.Item.Authors,
		Published:  item.Item.Published,
		Rationale:  item.Verdict.Rationale,
		TieBreak:   item.Verdict.TieBreak,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"stream":     item.Item.StreamKey,
			"identifier": item.Item.Identifier,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", item.Item.Identifier, err)
	}
	n.logger.Debug("published notification",
		zap.String("identifier", item.Item.Identifier),
		zap.String("message_id", id),
	)
	return nil
}

// Close flushes pending messages and closes the client when New created it.
func (n *Notifier) Close() error {
	n.topic.Stop()
	if !n.owned {
		return nil
	}
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
