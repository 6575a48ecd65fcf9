package pubsub

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// namespacedTopic applies the manager namespace, or the override carried by ctx.
func (m *Manager) namespacedTopic(ctx context.Context, topic string) string {
	ns := m.namespace
	if v, ok := ctx.Value(CtxKeyNamespaceOverride).(string); ok && v != "" {
		ns = v
	}
	return fmt.Sprintf("%s.%s", ns, topic)
}

// getOrCreateTopicLocked gets an existing topic or joins it. m.mu must be held.
func (m *Manager) getOrCreateTopicLocked(topicName string) (*pubsub.Topic, error) {
	if topic, exists := m.topics[topicName]; exists {
		return topic, nil
	}

	topic, err := m.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}

	m.topics[topicName] = topic
	return topic, nil
}
