package stream

// Event types the router knows about.
const (
	TypeOutputTextDelta = "response.output_text.delta"
	TypeOutputTextDone  = "response.output_text.done"
	TypeToolCall        = "response.tool_call"
	TypeToolResult      = "response.tool_result"
	TypeToolError       = "response.tool_error"
	TypeCreated         = "response.created"
	TypeCompleted       = "response.completed"
	TypeFailed          = "response.failed"
	TypeError           = "error"
)

// BuiltinToolTypes are the progress events of the hosted tools. They are not
// routed to OnToolCall unless a Router is built with WithToolTypes.
var BuiltinToolTypes = []string{
	"response.web_search_call.in_progress",
	"response.web_search_call.searching",
	"response.web_search_call.completed",
	"response.file_search_call.in_progress",
	"response.file_search_call.searching",
	"response.file_search_call.completed",
	"response.code_interpreter_call.in_progress",
	"response.code_interpreter_call.interpreting",
	"response.code_interpreter_call.completed",
	"response.code_interpreter_call_code.delta",
	"response.code_interpreter_call_code.done",
}

// Handlers receive routed events. Any of them may be nil.
type Handlers struct {
	OnTextDelta    func(delta string)
	OnToolCall     func(evt Event)
	OnMessage      func(evt Event)
	OnResponseMeta func(meta Meta)
}

// Router dispatches decoded events by their type discriminator.
type Router struct {
	toolTypes map[string]struct{}
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithToolTypes routes additional event types to OnToolCall.
func WithToolTypes(types ...string) RouterOption {
	return func(r *Router) {
		for _, t := range types {
			r.toolTypes[t] = struct{}{}
		}
	}
}

// NewRouter creates a router that sends the three tool event types to
// OnToolCall, plus whatever the options add.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{toolTypes: map[string]struct{}{
		TypeToolCall:   {},
		TypeToolResult: {},
		TypeToolError:  {},
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRouter = NewRouter()

// Route parses a payload with the default router and dispatches it.
func Route(payload string, h Handlers) error {
	return defaultRouter.Route(payload, h)
}

// Route parses a payload and dispatches it. A payload that is not valid JSON
// dispatches nothing and returns an error wrapping ErrMalformedEvent.
func (r *Router) Route(payload string, h Handlers) error {
	evt, err := ParseEvent(payload)
	if err != nil {
		return err
	}
	r.Dispatch(evt, h)
	return nil
}

// Dispatch fires the meta handler when the event carries a response id, then
// exactly one of the text, tool or message handlers (or none for a text
// delta that is empty, or for output_text.done).
func (r *Router) Dispatch(evt Event, h Handlers) {
	if meta, ok := evt.Meta(); ok && h.OnResponseMeta != nil {
		h.OnResponseMeta(meta)
	}

	switch {
	case evt.Type == TypeOutputTextDelta:
		if evt.Delta != "" && h.OnTextDelta != nil {
			h.OnTextDelta(evt.Delta)
		}
	case evt.Type == TypeOutputTextDone:
		// final text is signalled by done
	case r.isToolType(evt.Type):
		if h.OnToolCall != nil {
			h.OnToolCall(evt)
		}
	default:
		if h.OnMessage != nil {
			h.OnMessage(evt)
		}
	}
}

func (r *Router) isToolType(t string) bool {
	_, ok := r.toolTypes[t]
	return ok
}
