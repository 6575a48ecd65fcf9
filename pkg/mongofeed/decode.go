package mongofeed

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

// decodeEvent maps a change stream document onto an Event.
func decodeEvent(raw bson.Raw) (changefeed.Event, error) {
	var ev changefeed.Event
	if err := raw.Validate(); err != nil {
		return ev, apperrors.NewSerializationError("bson", "malformed change event", err)
	}

	idDoc, ok := raw.Lookup("_id").DocumentOK()
	if !ok {
		return ev, apperrors.NewSerializationError("bson", "change event has no resume token", nil)
	}
	ev.Token = changefeed.ResumeToken(bytes.Clone(idDoc))
	ev.ID, _ = idDoc.Lookup("_data").StringValueOK()

	ev.Operation, _ = raw.Lookup("operationType").StringValueOK()
	db, _ := raw.Lookup("ns", "db").StringValueOK()
	coll, _ := raw.Lookup("ns", "coll").StringValueOK()
	ev.Namespace = db
	if coll != "" {
		ev.Namespace = db + "." + coll
	}

	if t, _, ok := raw.Lookup("clusterTime").TimestampOK(); ok {
		ev.Time = time.Unix(int64(t), 0).UTC()
	} else if dt, ok := raw.Lookup("wallTime").DateTimeOK(); ok {
		ev.Time = time.UnixMilli(dt).UTC()
	}

	if keyDoc, ok := raw.Lookup("documentKey").DocumentOK(); ok {
		key, err := documentKey(keyDoc)
		if err != nil {
			return ev, err
		}
		ev.DocumentKey = key
	}

	payload, err := payloadOf(raw)
	if err != nil {
		return ev, err
	}
	ev.Payload = payload
	return ev, nil
}

// documentKey renders documentKey._id as a plain string when it is a
// string, ObjectID or integer, and as relaxed extended JSON otherwise.
func documentKey(keyDoc bson.Raw) (string, error) {
	id := keyDoc.Lookup("_id")
	if s, ok := id.StringValueOK(); ok {
		return s, nil
	}
	if oid, ok := id.ObjectIDOK(); ok {
		return oid.Hex(), nil
	}
	if n, ok := id.Int32OK(); ok {
		return strconv.FormatInt(int64(n), 10), nil
	}
	if n, ok := id.Int64OK(); ok {
		return strconv.FormatInt(n, 10), nil
	}
	out, err := bson.MarshalExtJSON(keyDoc, false, false)
	if err != nil {
		return "", apperrors.NewSerializationError("extjson", "failed to encode document key", err)
	}
	return string(out), nil
}

// payloadOf returns the full document when present, else the update
// description, as relaxed extended JSON.
func payloadOf(raw bson.Raw) ([]byte, error) {
	doc, ok := raw.Lookup("fullDocument").DocumentOK()
	if !ok {
		doc, ok = raw.Lookup("updateDescription").DocumentOK()
	}
	if !ok {
		return nil, nil
	}
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, apperrors.NewSerializationError("extjson", "failed to encode change payload", err)
	}
	return out, nil
}

// ParseResumeToken builds a resume token from its hex _data string, the form
// MongoDB prints and operators copy into configuration.
func ParseResumeToken(data string) (changefeed.ResumeToken, error) {
	if data == "" {
		return nil, nil
	}
	if _, err := hex.DecodeString(data); err != nil {
		return nil, apperrors.NewValidationError("resume_token", "must be a hex string", data)
	}
	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: data}})
	if err != nil {
		return nil, apperrors.NewSerializationError("bson", "failed to encode resume token", err)
	}
	return changefeed.ResumeToken(raw), nil
}

// FormatResumeToken returns the hex _data string of a token, or "" when the
// token is empty or not a change stream token.
func FormatResumeToken(token changefeed.ResumeToken) string {
	if token.IsZero() {
		return ""
	}
	raw := bson.Raw(token)
	if raw.Validate() != nil {
		return ""
	}
	data, _ := raw.Lookup("_data").StringValueOK()
	return data
}
