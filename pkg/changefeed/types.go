package changefeed

import (
	"bytes"
	"context"
	"time"
)

// ResumeToken is an opaque position in a feed's history. Each source defines
// its own encoding; an empty token means "start at the feed's default".
type ResumeToken []byte

// IsZero reports whether the token is absent.
func (t ResumeToken) IsZero() bool { return len(t) == 0 }

// Clone returns a copy that does not alias t.
func (t ResumeToken) Clone() ResumeToken {
	if t.IsZero() {
		return nil
	}
	return bytes.Clone(t)
}

// Equal reports whether two tokens denote the same position.
func (t ResumeToken) Equal(other ResumeToken) bool { return bytes.Equal(t, other) }

// String renders the token for logs.
func (t ResumeToken) String() string { return string(t) }

// Event is a single change notification, relayed verbatim to listeners.
type Event struct {
	ID          string      `json:"id"`
	Operation   string      `json:"operation"`
	Namespace   string      `json:"namespace,omitempty"`
	DocumentKey string      `json:"document_key,omitempty"`
	Payload     []byte      `json:"payload,omitempty"`
	Time        time.Time   `json:"time"`
	Token       ResumeToken `json:"-"`
}

// Listener receives relayed events. It must not block for long: events for
// all listeners are delivered from one goroutine, in feed order.
type Listener func(Event)

// ListenerID identifies a registration returned by AddListener.
type ListenerID string

// Handle is a live subscription produced by an Opener.
//
// Events is closed when the handle stops for any reason. Errors delivers at
// most one terminal error; no events are expected after it. Close must be
// safe to call more than once and from any goroutine.
type Handle interface {
	Events() <-chan Event
	Errors() <-chan error
	ResumeToken() ResumeToken
	Close(ctx context.Context) error
}

// Opener establishes a Handle starting after token, or at the feed default
// when token is empty. It must fail synchronously when no subscription can be
// established.
type Opener interface {
	Open(ctx context.Context, token ResumeToken) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, token ResumeToken) (Handle, error)

// Open calls f(ctx, token).
func (f OpenerFunc) Open(ctx context.Context, token ResumeToken) (Handle, error) {
	return f(ctx, token)
}

// State describes what the Manager's subscription slot is doing.
type State int

const (
	// StateIdle means no listeners and no handle.
	StateIdle State = iota
	// StateConnecting means an Open call is in flight.
	StateConnecting
	// StateLive means a handle is delivering events.
	StateLive
	// StateRetrying means the last handle failed and the retry delay is pending.
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a Manager, used by status endpoints.
type Stats struct {
	State          string    `json:"state"`
	Listeners      int       `json:"listeners"`
	Reconnects     uint64    `json:"reconnects"`
	Events         uint64    `json:"events"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
	HasResumeToken bool      `json:"has_resume_token"`
}
