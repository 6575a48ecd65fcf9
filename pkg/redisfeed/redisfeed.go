// Package redisfeed follows a Redis Stream as a changefeed source. Entries
// carry op, ns, key and payload fields; the stream entry id is the resume
// token.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

const (
	serviceName = "redis"
	eventBuffer = 64

	FieldOperation = "op"
	FieldNamespace = "ns"
	FieldKey       = "key"
	FieldPayload   = "payload"

	// beginning is the id before every entry of a stream.
	beginning = "0-0"
)

// Client is the subset of *redis.Client the feed uses.
type Client interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

var _ Client = (*redis.Client)(nil)

// Options configures the reader.
type Options struct {
	Stream string
	// Block bounds each XREAD; it also bounds how long Close can wait.
	Block time.Duration
	// Count caps entries per XREAD.
	Count  int64
	Logger *zap.Logger
}

// Opener implements changefeed.Opener over one stream.
type Opener struct {
	client Client
	opts   Options
	logger *zap.Logger
}

var _ changefeed.Opener = (*Opener)(nil)

// NewOpener creates an Opener reading opts.Stream through client.
func NewOpener(client Client, opts Options) (*Opener, error) {
	if opts.Stream == "" {
		return nil, apperrors.NewValidationError("stream", "must not be empty", opts.Stream)
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{client: client, opts: opts, logger: logger}, nil
}

// Open reads entries after token. Without a token it starts after the
// newest entry present at open time.
func (o *Opener) Open(ctx context.Context, token changefeed.ResumeToken) (changefeed.Handle, error) {
	start := string(token)
	if token.IsZero() {
		last, err := o.client.XRevRangeN(ctx, o.opts.Stream, "+", "-", 1).Result()
		if err != nil {
			return nil, apperrors.NewServiceError(serviceName, "failed to read stream tail", err)
		}
		start = beginning
		if len(last) > 0 {
			start = last[0].ID
		}
	} else if !validID(start) {
		return nil, apperrors.NewValidationError("resume_token", "invalid stream id", start)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		events: make(chan changefeed.Event, eventBuffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		token:  token.Clone(),
		cursor: start,
	}
	go h.run(runCtx, o)

	o.logger.Debug("Stream reader started",
		zap.String("stream", o.opts.Stream),
		zap.String("after", start))
	return h, nil
}

type handle struct {
	events chan changefeed.Event
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}

	// cursor is only touched by run.
	cursor string

	mu    sync.Mutex
	token changefeed.ResumeToken
}

func (h *handle) Events() <-chan changefeed.Event { return h.events }
func (h *handle) Errors() <-chan error            { return h.errs }

func (h *handle) ResumeToken() changefeed.ResumeToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token.Clone()
}

func (h *handle) Close(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) run(ctx context.Context, o *Opener) {
	defer close(h.done)
	defer close(h.events)

	for {
		streams, err := o.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{o.opts.Stream, h.cursor},
			Count:   o.opts.Count,
			Block:   o.opts.Block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			h.errs <- apperrors.NewServiceError(serviceName, "XREAD failed", err)
			return
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				ev := decodeMessage(stream.Stream, msg)
				h.cursor = msg.ID
				h.mu.Lock()
				h.token = ev.Token
				h.mu.Unlock()

				select {
				case h.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// decodeMessage maps a stream entry onto an Event. Fields other than the
// envelope ones become a JSON payload when no payload field is present.
func decodeMessage(stream string, msg redis.XMessage) changefeed.Event {
	ev := changefeed.Event{
		ID:        msg.ID,
		Namespace: stream,
		Token:     changefeed.ResumeToken(msg.ID),
		Time:      idTime(msg.ID),
	}

	extra := make(map[string]any)
	for k, v := range msg.Values {
		s := fmt.Sprint(v)
		switch k {
		case FieldOperation:
			ev.Operation = s
		case FieldNamespace:
			ev.Namespace = s
		case FieldKey:
			ev.DocumentKey = s
		case FieldPayload:
			ev.Payload = []byte(s)
		default:
			extra[k] = v
		}
	}
	if ev.Payload == nil && len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// Append writes ev to stream and returns the new entry id.
func Append(ctx context.Context, client Client, stream string, ev changefeed.Event) (string, error) {
	values := map[string]any{FieldOperation: ev.Operation}
	if ev.Namespace != "" {
		values[FieldNamespace] = ev.Namespace
	}
	if ev.DocumentKey != "" {
		values[FieldKey] = ev.DocumentKey
	}
	if len(ev.Payload) > 0 {
		values[FieldPayload] = string(ev.Payload)
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", apperrors.NewServiceError(serviceName, "XADD failed", err)
	}
	return id, nil
}

// idTime extracts the millisecond timestamp that prefixes a stream id.
func idTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func validID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}
