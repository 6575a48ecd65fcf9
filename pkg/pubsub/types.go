package pubsub

import "github.com/google/uuid"

// MessageHandler is called for each message on a subscribed topic. from is
// the sending peer. Errors are logged and do not stop other handlers.
type MessageHandler func(topic string, from string, data []byte) error

// HandlerID identifies one Subscribe registration.
type HandlerID string

func generateHandlerID() HandlerID {
	return HandlerID(uuid.NewString())
}
