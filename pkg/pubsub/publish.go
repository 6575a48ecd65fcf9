package pubsub

import (
	"context"
	"fmt"
)

// Publish publishes a message to a topic
func (m *Manager) Publish(ctx context.Context, topic string, data []byte) error {
	if m.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	m.mu.Lock()
	libp2pTopic, err := m.getOrCreateTopicLocked(m.namespacedTopic(ctx, topic))
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to get topic for publishing: %w", err)
	}

	if err := libp2pTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
