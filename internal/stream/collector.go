package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Collected is the assembled result of one streamed response.
type Collected struct {
	ResponseID   string
	Text         string
	ToolEvents   []json.RawMessage
	Usage        *Usage
	ErrorMessage string
}

// Collector accumulates routed events into a Collected value. It is not safe
// for concurrent use; a session delivers callbacks from a single goroutine.
type Collector struct {
	text strings.Builder
	out  Collected
}

// NewCollector creates a collector seeded with a known response id.
func NewCollector(initialResponseID string) *Collector {
	return &Collector{out: Collected{ResponseID: initialResponseID}}
}

// AddText appends an output text delta.
func (c *Collector) AddText(delta string) {
	c.text.WriteString(delta)
}

// AddMeta records the latest response id.
func (c *Collector) AddMeta(m Meta) {
	if m.ID != "" {
		c.out.ResponseID = m.ID
	}
}

// AddTool keeps the raw tool event.
func (c *Collector) AddTool(e Event) {
	c.out.ToolEvents = append(c.out.ToolEvents, e.Raw)
}

// AddMessage inspects catch-all events for usage and failures.
func (c *Collector) AddMessage(e Event) {
	switch e.Type {
	case TypeCompleted:
		if usage := ExtractUsageFromEvent(e); usage != nil {
			c.out.Usage = usage
		}
	case TypeFailed, TypeError:
		c.out.ErrorMessage = ResponseErrorMessage(e)
		if c.out.ErrorMessage == "" {
			c.out.ErrorMessage = e.Type
		}
	}
}

// Handlers returns router handlers that feed this collector.
func (c *Collector) Handlers() Handlers {
	return Handlers{
		OnTextDelta:    c.AddText,
		OnToolCall:     c.AddTool,
		OnMessage:      c.AddMessage,
		OnResponseMeta: c.AddMeta,
	}
}

// Result returns what has been collected so far.
func (c *Collector) Result() Collected {
	out := c.out
	out.Text = c.text.String()
	return out
}

// CollectFromSSE reads a whole stream and assembles it. Malformed events are
// skipped. A read failure is returned together with the partial result.
func CollectFromSSE(body io.Reader, initialResponseID string) (Collected, error) {
	c := NewCollector(initialResponseID)
	reader := NewReader(body)
	h := c.Handlers()
	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return c.Result(), nil
		}
		if err != nil {
			return c.Result(), err
		}
		_ = Route(payload, h)
	}
}
