// Package feedtest provides an in-memory changefeed.Opener for tests.
package feedtest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
)

// ErrOpenRejected is returned by Open calls consumed by FailNextOpen.
var ErrOpenRejected = errors.New("feedtest: open rejected")

// Opener records every Open call and hands out Handles the test can drive.
type Opener struct {
	mu       sync.Mutex
	tokens   []changefeed.ResumeToken
	handles  []*Handle
	failures []error
	opened   chan *Handle
}

var _ changefeed.Opener = (*Opener)(nil)

// NewOpener creates an Opener.
func NewOpener() *Opener {
	return &Opener{opened: make(chan *Handle, 64)}
}

// Open implements changefeed.Opener.
func (o *Opener) Open(ctx context.Context, token changefeed.ResumeToken) (changefeed.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.tokens = append(o.tokens, token.Clone())
	if len(o.failures) > 0 {
		err := o.failures[0]
		o.failures = o.failures[1:]
		o.mu.Unlock()
		return nil, err
	}
	h := NewHandle(token)
	o.handles = append(o.handles, h)
	o.mu.Unlock()

	select {
	case o.opened <- h:
	default:
	}
	return h, nil
}

// FailNextOpen makes the next n Open calls fail.
func (o *Opener) FailNextOpen(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < n; i++ {
		o.failures = append(o.failures, ErrOpenRejected)
	}
}

// Calls returns the tokens passed to Open, in call order.
func (o *Opener) Calls() []changefeed.ResumeToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]changefeed.ResumeToken, len(o.tokens))
	copy(out, o.tokens)
	return out
}

// Handles returns every handle created so far.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, len(o.handles))
	copy(out, o.handles)
	return out
}

// Latest returns the most recently created handle, or nil.
func (o *Opener) Latest() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.handles) == 0 {
		return nil
	}
	return o.handles[len(o.handles)-1]
}

// Opened delivers each handle as it is created.
func (o *Opener) Opened() <-chan *Handle { return o.opened }

// Handle is a changefeed.Handle driven by the test.
type Handle struct {
	Seed changefeed.ResumeToken

	events chan changefeed.Event
	errs   chan error

	mu       sync.Mutex
	token    changefeed.ResumeToken
	closed   bool
	ended    bool
	closes   int
	closeErr error
	done     chan struct{}
	doneOnce sync.Once
}

var _ changefeed.Handle = (*Handle)(nil)

// NewHandle creates a Handle that reports seed as its position until events
// move it forward.
func NewHandle(seed changefeed.ResumeToken) *Handle {
	return &Handle{
		Seed:   seed.Clone(),
		events: make(chan changefeed.Event, 64),
		errs:   make(chan error, 8),
		token:  seed.Clone(),
		done:   make(chan struct{}),
	}
}

func (h *Handle) Events() <-chan changefeed.Event { return h.events }
func (h *Handle) Errors() <-chan error            { return h.errs }

func (h *Handle) ResumeToken() changefeed.ResumeToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token.Clone()
}

// Close marks the handle closed. It returns the error set by SetCloseError.
func (h *Handle) Close(context.Context) error {
	// done is closed first so a blocked Publish releases mu.
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	h.closed = true
	return h.closeErr
}

// Emit publishes an insert event whose id doubles as its resume token.
func (h *Handle) Emit(id string) changefeed.Event {
	ev := changefeed.Event{
		ID:        id,
		Operation: "insert",
		Token:     changefeed.ResumeToken(id),
		Time:      time.Now(),
	}
	h.Publish(ev)
	return ev
}

// Publish queues ev and advances the position to ev.Token when set. Events
// published on a closed or ended handle are dropped.
func (h *Handle) Publish(ev changefeed.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.ended {
		return
	}
	if !ev.Token.IsZero() {
		h.token = ev.Token.Clone()
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// EmitN emits events named prefix-0 through prefix-(n-1).
func (h *Handle) EmitN(prefix string, n int) {
	for i := 0; i < n; i++ {
		h.Emit(prefix + "-" + strconv.Itoa(i))
	}
}

// Fail pushes a terminal error. It may be called more than once to simulate
// a feed that reports several errors before shutting down.
func (h *Handle) Fail(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

// End closes the event channel without an error, as a feed that runs dry.
func (h *Handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ended {
		h.ended = true
		close(h.events)
	}
}

// SetToken overrides the reported resume position.
func (h *Handle) SetToken(token changefeed.ResumeToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token.Clone()
}

// SetCloseError makes Close return err.
func (h *Handle) SetCloseError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeErr = err
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls returns how many times Close was called.
func (h *Handle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Done is closed on the first Close.
func (h *Handle) Done() <-chan struct{} { return h.done }
