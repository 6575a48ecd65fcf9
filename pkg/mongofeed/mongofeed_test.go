package mongofeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
	"github.com/sjwalker189/mongodb-tools/pkg/pipeline"
)

func changeDoc(t *testing.T, data string, op string, id any, full bson.D) bson.Raw {
	t.Helper()
	doc := bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: data}}},
		{Key: "operationType", Value: op},
		{Key: "clusterTime", Value: bson.Timestamp{T: 1700000000, I: 1}},
		{Key: "ns", Value: bson.D{{Key: "db", Value: "shop"}, {Key: "coll", Value: "orders"}}},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: id}}},
	}
	if full != nil {
		doc = append(doc, bson.E{Key: "fullDocument", Value: full})
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

// fakeCursor replays queued documents, then reports err or idles.
type fakeCursor struct {
	mu      sync.Mutex
	queue   []bson.Raw
	current bson.Raw
	token   bson.Raw
	err     error
	id      int64
	closed  bool
}

func (c *fakeCursor) TryNext(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		c.current = c.queue[0]
		c.queue = c.queue[1:]
		c.token = c.current.Lookup("_id").Document()
		return true
	}
	if c.err == nil && c.id != 0 {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		c.mu.Lock()
	}
	return false
}

func (c *fakeCursor) Current() bson.Raw { c.mu.Lock(); defer c.mu.Unlock(); return c.current }
func (c *fakeCursor) Err() error        { c.mu.Lock(); defer c.mu.Unlock(); return c.err }
func (c *fakeCursor) ResumeToken() bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
func (c *fakeCursor) ID() int64 { c.mu.Lock(); defer c.mu.Unlock(); return c.id }
func (c *fakeCursor) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCursor) isClosed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.closed }

func (c *fakeCursor) fail(err error) { c.mu.Lock(); defer c.mu.Unlock(); c.err = err }

type watchCall struct {
	stages []bson.D
	opts   options.ChangeStreamOptions
}

func fakeWatch(cur *fakeCursor, calls *[]watchCall, err error) watchFunc {
	return func(_ context.Context, stages []bson.D, b *options.ChangeStreamOptionsBuilder) (cursor, error) {
		var o options.ChangeStreamOptions
		for _, set := range b.List() {
			_ = set(&o)
		}
		*calls = append(*calls, watchCall{stages: stages, opts: o})
		if err != nil {
			return nil, err
		}
		return cur, nil
	}
}

func TestDecodeEvent(t *testing.T) {
	oid := bson.NewObjectID()
	raw := changeDoc(t, "82AB01", "insert", oid, bson.D{{Key: "total", Value: int32(42)}})

	ev, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "82AB01", ev.ID)
	assert.Equal(t, "insert", ev.Operation)
	assert.Equal(t, "shop.orders", ev.Namespace)
	assert.Equal(t, oid.Hex(), ev.DocumentKey)
	assert.JSONEq(t, `{"total": 42}`, string(ev.Payload))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Time)
	assert.Equal(t, "82AB01", FormatResumeToken(ev.Token))
}

func TestDecodeEvent_DocumentKeys(t *testing.T) {
	tests := []struct {
		name string
		id   any
		want string
	}{
		{"string", "ord-1", "ord-1"},
		{"int32", int32(7), "7"},
		{"int64", int64(9), "9"},
		{"compound", bson.D{{Key: "a", Value: "x"}}, `{"_id":{"a":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent(changeDoc(t, "01", "delete", tt.id, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.DocumentKey)
			assert.Nil(t, ev.Payload)
		})
	}
}

func TestDecodeEvent_MissingToken(t *testing.T) {
	raw, err := bson.Marshal(bson.D{{Key: "operationType", Value: "insert"}})
	require.NoError(t, err)

	_, err = decodeEvent(raw)
	require.Error(t, err)
	assert.True(t, apperrors.IsSerialization(err))
}

func TestResumeTokenRoundTrip(t *testing.T) {
	tok, err := ParseResumeToken("8263F1A2B3")
	require.NoError(t, err)
	assert.Equal(t, "8263F1A2B3", FormatResumeToken(tok))

	empty, err := ParseResumeToken("")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = ParseResumeToken("not-hex")
	assert.True(t, apperrors.IsValidation(err))

	assert.Equal(t, "", FormatResumeToken(changefeed.ResumeToken("junk")))
}

func TestOpener_PipelineAndOptions(t *testing.T) {
	var calls []watchCall
	cur := &fakeCursor{id: 1}
	extra := pipeline.New().Match(bson.D{{Key: "ns.coll", Value: "orders"}})

	o, err := newOpener(fakeWatch(cur, &calls, nil), Options{
		Pipeline:       extra,
		OperationTypes: []string{"insert", "update"},
		FullDocument:   "updateLookup",
		BatchSize:      50,
		MaxAwaitTime:   time.Second,
	})
	require.NoError(t, err)

	token, err := ParseResumeToken("01AB")
	require.NoError(t, err)
	h, err := o.Open(context.Background(), token)
	require.NoError(t, err)
	defer h.Close(context.Background())

	require.Len(t, calls, 1)
	stages := calls[0].stages
	require.Len(t, stages, 2)
	assert.Equal(t, bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
		{Key: "$in", Value: bson.A{"insert", "update"}},
	}}}}}, stages[0])

	opts := calls[0].opts
	require.NotNil(t, opts.FullDocument)
	assert.Equal(t, options.UpdateLookup, *opts.FullDocument)
	assert.Equal(t, int32(50), *opts.BatchSize)
	assert.Equal(t, time.Second, *opts.MaxAwaitTime)
	assert.Equal(t, bson.Raw(token), opts.ResumeAfter)
	assert.True(t, token.Equal(h.ResumeToken()))
}

func TestOpener_UnseededOmitsResumeAfter(t *testing.T) {
	var calls []watchCall
	o, err := newOpener(fakeWatch(&fakeCursor{id: 1}, &calls, nil), Options{})
	require.NoError(t, err)

	h, err := o.Open(context.Background(), nil)
	require.NoError(t, err)
	defer h.Close(context.Background())

	assert.Nil(t, calls[0].opts.ResumeAfter)
	assert.Empty(t, calls[0].stages)
}

func TestOpener_WatchFailure(t *testing.T) {
	var calls []watchCall
	o, err := newOpener(fakeWatch(nil, &calls, errors.New("resume token not found")), Options{})
	require.NoError(t, err)

	_, err = o.Open(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsServiceUnavailable(err))
}

func TestHandle_StreamsEventsAndTracksToken(t *testing.T) {
	cur := &fakeCursor{id: 1, queue: []bson.Raw{
		changeDoc(t, "01", "insert", "a", bson.D{{Key: "n", Value: int32(1)}}),
		changeDoc(t, "02", "update", "a", nil),
	}}
	var calls []watchCall
	o, err := newOpener(fakeWatch(cur, &calls, nil), Options{})
	require.NoError(t, err)

	h, err := o.Open(context.Background(), nil)
	require.NoError(t, err)

	for _, want := range []string{"01", "02"} {
		select {
		case ev := <-h.Events():
			assert.Equal(t, want, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	require.Eventually(t, func() bool { return FormatResumeToken(h.ResumeToken()) == "02" }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close(context.Background()))
	assert.True(t, cur.isClosed())
	_, open := <-h.Events()
	assert.False(t, open)
	require.NoError(t, h.Close(context.Background()))
}

func TestHandle_ReportsCursorError(t *testing.T) {
	cur := &fakeCursor{id: 1}
	var calls []watchCall
	o, err := newOpener(fakeWatch(cur, &calls, nil), Options{})
	require.NoError(t, err)

	h, err := o.Open(context.Background(), nil)
	require.NoError(t, err)
	cur.fail(errors.New("connection reset"))

	select {
	case err := <-h.Errors():
		assert.True(t, apperrors.IsServiceUnavailable(err))
	case <-time.After(time.Second):
		t.Fatal("expected terminal error")
	}
	require.Eventually(t, cur.isClosed, time.Second, 5*time.Millisecond)
}

func TestHandle_ServerClosedCursorEndsFeed(t *testing.T) {
	cur := &fakeCursor{id: 0}
	var calls []watchCall
	o, err := newOpener(fakeWatch(cur, &calls, nil), Options{})
	require.NoError(t, err)

	h, err := o.Open(context.Background(), nil)
	require.NoError(t, err)

	select {
	case _, open := <-h.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("expected events channel to close")
	}
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "mongodb://***@db:27017/shop", redactURI("mongodb://user:secret@db:27017/shop"))
	assert.Equal(t, "mongodb://db:27017", redactURI("mongodb://db:27017"))
	assert.Equal(t, "<invalid uri>", redactURI("db"))
}
