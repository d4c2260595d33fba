package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedEvent is returned when a data payload is not valid JSON.
var ErrMalformedEvent = errors.New("malformed stream event")

// Event represents a single decoded Responses stream event.
type Event struct {
	Type  string
	ID    string
	Delta string
	Raw   json.RawMessage
}

// Meta is the response identifier carried by an event.
type Meta struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// ParseEvent decodes a data payload. Unknown event types are preserved as-is.
func ParseEvent(payload string) (Event, error) {
	if !gjson.Valid(payload) {
		return Event{}, fmt.Errorf("%w: %s", ErrMalformedEvent, preview(payload, 120))
	}
	res := gjson.Parse(payload)
	return Event{
		Type:  scalarString(res.Get("type")),
		ID:    ResponseIDFromEvent(res),
		Delta: scalarString(res.Get("delta")),
		Raw:   json.RawMessage(payload),
	}, nil
}

// Get returns the value at a gjson path inside the raw event.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// Decode unmarshals the raw event into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Meta returns the event's response metadata and whether it carries an id.
func (e Event) Meta() (Meta, bool) {
	if e.ID == "" {
		return Meta{}, false
	}
	return Meta{ID: e.ID, Type: e.Type}, true
}

// ResponseIDFromEvent extracts the response identifier: a top-level "id" when
// present, otherwise the nested "response.id" used by lifecycle events.
func ResponseIDFromEvent(res gjson.Result) string {
	if id := scalarString(res.Get("id")); id != "" {
		return id
	}
	return scalarString(res.Get("response.id"))
}

// ResponseErrorMessage extracts the error message from a response.failed or
// error event.
func ResponseErrorMessage(e Event) string {
	for _, path := range []string{"response.error.message", "error.message", "message"} {
		if msg := scalarString(e.Get(path)); msg != "" {
			return msg
		}
	}
	return ""
}

// scalarString renders strings and numbers; objects, arrays, null and
// booleans yield "".
func scalarString(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}

func preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
