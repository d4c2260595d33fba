package upstream

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolKind names a hosted tool the model may call.
type ToolKind string

const (
	ToolWebSearch       ToolKind = "web_search"
	ToolFileSearch      ToolKind = "file_search"
	ToolCodeInterpreter ToolKind = "code_interpreter"
)

// AllTools lists every supported tool kind.
var AllTools = []ToolKind{ToolWebSearch, ToolFileSearch, ToolCodeInterpreter}

// ParseToolKind accepts a tool name as typed by a user or client.
func ParseToolKind(s string) (ToolKind, error) {
	switch k := ToolKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ToolWebSearch, ToolFileSearch, ToolCodeInterpreter:
		return k, nil
	default:
		return "", fmt.Errorf("unknown tool %q", s)
	}
}

// ParseToolKinds parses and deduplicates a list of tool names.
func ParseToolKinds(names []string) ([]ToolKind, error) {
	var out []ToolKind
	seen := make(map[ToolKind]struct{})
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := ParseToolKind(name)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

// Request holds the parameters for one streamed Responses API call.
type Request struct {
	Model              string
	Input              string
	Instructions       string
	PreviousResponseID string
	Tools              []ToolKind
	VectorStoreIDs     []string
	Store              *bool
	MaxOutputTokens    int64
	Include            []string
}

func (r *Request) hasTool(kind ToolKind) bool {
	for _, t := range r.Tools {
		if t == kind {
			return true
		}
	}
	return false
}

// fileSearchEnabled reports whether file_search can be sent. The tool is
// useless without a store to search, so it is dropped when none is set.
func (r *Request) fileSearchEnabled() bool {
	return r.hasTool(ToolFileSearch) && len(nonEmpty(r.VectorStoreIDs)) > 0
}

// Params converts the request into SDK parameters. The code interpreter tool
// and the stream flag are added by Body.
func (r *Request) Params() responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(r.Model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(
					responses.ResponseInputMessageContentListParam{
						responses.ResponseInputContentParamOfInputText(r.Input),
					},
					responses.EasyInputMessageRoleUser,
				),
			},
		},
	}
	if s := strings.TrimSpace(r.Instructions); s != "" {
		params.Instructions = openai.String(s)
	}
	if s := strings.TrimSpace(r.PreviousResponseID); s != "" {
		params.PreviousResponseID = openai.String(s)
	}
	if r.Store != nil {
		params.Store = openai.Bool(*r.Store)
	}
	if r.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(r.MaxOutputTokens)
	}

	var includes []string
	if r.hasTool(ToolWebSearch) {
		params.Tools = append(params.Tools, responses.ToolParamOfWebSearch(responses.WebSearchToolTypeWebSearch))
	}
	if r.fileSearchEnabled() {
		params.Tools = append(params.Tools, responses.ToolParamOfFileSearch(nonEmpty(r.VectorStoreIDs)))
		includes = append(includes, string(responses.ResponseIncludableFileSearchCallResults))
	}
	for _, inc := range mergeIncludes(r.Include, includes...) {
		params.Include = append(params.Include, responses.ResponseIncludable(inc))
	}
	return params
}

// codeInterpreterTool is the hosted sandbox with an automatically managed container.
const codeInterpreterTool = `{"type":"code_interpreter","container":{"type":"auto"}}`

// Body renders the JSON request body.
func (r *Request) Body() ([]byte, error) {
	if strings.TrimSpace(r.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	body, err := r.Params().MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if r.hasTool(ToolCodeInterpreter) {
		if gjson.GetBytes(body, "tools").IsArray() {
			body, err = sjson.SetRawBytes(body, "tools.-1", []byte(codeInterpreterTool))
		} else {
			body, err = sjson.SetRawBytes(body, "tools", []byte("["+codeInterpreterTool+"]"))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add code interpreter tool: %w", err)
		}
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("failed to set stream flag: %w", err)
	}
	return body, nil
}

// withoutStore returns a copy that leaves the store flag to the server default.
func (r *Request) withoutStore() *Request {
	cp := *r
	cp.Store = nil
	return &cp
}

func mergeIncludes(clientInclude []string, extra ...string) []string {
	var merged []string
	seen := make(map[string]struct{})

	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}

	for _, v := range clientInclude {
		add(v)
	}
	for _, v := range extra {
		add(v)
	}
	return merged
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
