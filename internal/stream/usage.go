package stream

// Usage is the token accounting reported by response.completed.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
	CachedTokens    int64 `json:"cached_tokens,omitempty"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

// ExtractUsageFromEvent extracts usage from a response.completed event.
// Returns nil if no usage data is present.
func ExtractUsageFromEvent(e Event) *Usage {
	usage := e.Get("response.usage")
	if !usage.IsObject() {
		return nil
	}
	u := &Usage{
		InputTokens:     usage.Get("input_tokens").Int(),
		OutputTokens:    usage.Get("output_tokens").Int(),
		TotalTokens:     usage.Get("total_tokens").Int(),
		CachedTokens:    usage.Get("input_tokens_details.cached_tokens").Int(),
		ReasoningTokens: usage.Get("output_tokens_details.reasoning_tokens").Int(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}
