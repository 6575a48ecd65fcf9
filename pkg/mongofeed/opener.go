// Package mongofeed opens MongoDB change streams as changefeed handles.
package mongofeed

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
	"github.com/sjwalker189/mongodb-tools/pkg/pipeline"
)

const (
	serviceName       = "mongo"
	eventBuffer       = 64
	cursorCloseBudget = 5 * time.Second
)

// Watcher opens change streams. *mongo.Client, *mongo.Database and
// *mongo.Collection all satisfy it.
type Watcher interface {
	Watch(ctx context.Context, pipeline any, opts ...options.Lister[options.ChangeStreamOptions]) (*mongo.ChangeStream, error)
}

// Options narrows and shapes the change stream.
type Options struct {
	// Pipeline runs on the change events, e.g. a $match on ns.coll.
	Pipeline *pipeline.Pipeline
	// OperationTypes keeps only the listed operation types when non-empty.
	OperationTypes []string
	// FullDocument is passed through as the fullDocument option.
	FullDocument string
	BatchSize    int32
	MaxAwaitTime time.Duration
	Logger       *zap.Logger
}

// cursor is the subset of *mongo.ChangeStream the handle drives.
type cursor interface {
	TryNext(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	ResumeToken() bson.Raw
	ID() int64
	Close(ctx context.Context) error
}

type streamCursor struct{ cs *mongo.ChangeStream }

func (c streamCursor) TryNext(ctx context.Context) bool { return c.cs.TryNext(ctx) }
func (c streamCursor) Current() bson.Raw                { return c.cs.Current }
func (c streamCursor) Err() error                       { return c.cs.Err() }
func (c streamCursor) ResumeToken() bson.Raw            { return c.cs.ResumeToken() }
func (c streamCursor) ID() int64                        { return c.cs.ID() }
func (c streamCursor) Close(ctx context.Context) error  { return c.cs.Close(ctx) }

type watchFunc func(ctx context.Context, stages []bson.D, opts *options.ChangeStreamOptionsBuilder) (cursor, error)

// Opener implements changefeed.Opener over a MongoDB change stream.
type Opener struct {
	watch  watchFunc
	stages []bson.D
	opts   Options
	logger *zap.Logger
}

var _ changefeed.Opener = (*Opener)(nil)

// NewOpener creates an Opener watching w.
func NewOpener(w Watcher, opts Options) (*Opener, error) {
	return newOpener(func(ctx context.Context, stages []bson.D, o *options.ChangeStreamOptionsBuilder) (cursor, error) {
		cs, err := w.Watch(ctx, stages, o)
		if err != nil {
			return nil, err
		}
		return streamCursor{cs: cs}, nil
	}, opts)
}

func newOpener(watch watchFunc, opts Options) (*Opener, error) {
	p := pipeline.New()
	if len(opts.OperationTypes) > 0 {
		match, err := pipeline.MatchField("operationType", opts.OperationTypes, nil)
		if err != nil {
			return nil, err
		}
		p.Match(match)
	}
	if opts.Pipeline != nil {
		p.Stages(opts.Pipeline.Build()...)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{watch: watch, stages: p.Build(), opts: opts, logger: logger}, nil
}

// Open starts a change stream after token, or at the current time when
// token is empty.
func (o *Opener) Open(ctx context.Context, token changefeed.ResumeToken) (changefeed.Handle, error) {
	csOpts := options.ChangeStream()
	if o.opts.FullDocument != "" {
		csOpts.SetFullDocument(options.FullDocument(o.opts.FullDocument))
	}
	if o.opts.BatchSize > 0 {
		csOpts.SetBatchSize(o.opts.BatchSize)
	}
	if o.opts.MaxAwaitTime > 0 {
		csOpts.SetMaxAwaitTime(o.opts.MaxAwaitTime)
	}
	if !token.IsZero() {
		csOpts.SetResumeAfter(bson.Raw(token.Clone()))
	}

	cur, err := o.watch(ctx, o.stages, csOpts)
	if err != nil {
		return nil, apperrors.NewServiceError(serviceName, "failed to open change stream", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		events: make(chan changefeed.Event, eventBuffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		token:  token.Clone(),
		logger: o.logger,
	}
	go h.run(runCtx, cur)

	o.logger.Debug("Change stream opened", zap.Bool("resumed", !token.IsZero()))
	return h, nil
}

// handle owns one change stream cursor; only run touches it.
type handle struct {
	events chan changefeed.Event
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

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

// Close stops the cursor and waits for it to be released or ctx to end.
func (h *handle) Close(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) setToken(raw bson.Raw) {
	if len(raw) == 0 {
		return
	}
	h.mu.Lock()
	h.token = changefeed.ResumeToken(raw).Clone()
	h.mu.Unlock()
}

func (h *handle) report(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

func (h *handle) run(ctx context.Context, cur cursor) {
	defer close(h.done)
	defer close(h.events)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cursorCloseBudget)
		defer cancel()
		if err := cur.Close(closeCtx); err != nil {
			h.logger.Debug("Change stream cursor close failed", zap.Error(err))
		}
	}()

	for {
		if cur.TryNext(ctx) {
			ev, err := decodeEvent(cur.Current())
			if err != nil {
				h.report(err)
				return
			}
			h.setToken(cur.ResumeToken())
			select {
			case h.events <- ev:
			case <-ctx.Done():
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		if err := cur.Err(); err != nil {
			h.report(apperrors.NewServiceError(serviceName, "change stream failed", err))
			return
		}
		// An empty batch still advances the post-batch resume token.
		h.setToken(cur.ResumeToken())
		if cur.ID() == 0 {
			return
		}
	}
}
