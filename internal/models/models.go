package models

import (
	"sort"
	"strings"
)

// Fallback is offered when the models endpoint cannot be reached.
var Fallback = []string{"gpt-5", "gpt-4o", "gpt-4o-mini"}

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-5"

// Capability tags shown next to a model id.
const (
	CapVision    = "vision"
	CapTools     = "tools"
	CapReasoning = "reasoning"
)

// Model is one entry of the model list.
type Model struct {
	ID           string   `json:"id"`
	Created      int64    `json:"created,omitempty"`
	OwnedBy      string   `json:"owned_by,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

var modelMapping = map[string]string{
	"gpt5":         "gpt-5",
	"gpt-5-latest": "gpt-5",
	"5":            "gpt-5",
	"4o":           "gpt-4o",
	"gpt4o":        "gpt-4o",
	"4o-mini":      "gpt-4o-mini",
	"gpt4o-mini":   "gpt-4o-mini",
	"mini":         "gpt-4o-mini",
}

// NormalizeModelName maps short aliases to model ids. An empty name yields
// DefaultModel; unknown names pass through trimmed.
func NormalizeModelName(name string) string {
	base := strings.TrimSpace(name)
	if base == "" {
		return DefaultModel
	}
	if mapped, ok := modelMapping[strings.ToLower(base)]; ok {
		return mapped
	}
	return base
}

// Capabilities guesses the capability tags of a model from its id.
func Capabilities(id string) []string {
	id = strings.ToLower(id)
	var caps []string
	switch {
	case strings.HasPrefix(id, "gpt-5"), strings.HasPrefix(id, "gpt-4.1"), strings.HasPrefix(id, "gpt-4o"),
		strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"), strings.HasPrefix(id, "o4"):
		caps = append(caps, CapVision, CapTools)
	case strings.HasPrefix(id, "gpt-4"), strings.HasPrefix(id, "gpt-3.5"):
		caps = append(caps, CapTools)
	}
	if strings.HasPrefix(id, "gpt-5") || isOSeries(id) {
		caps = append(caps, CapReasoning)
	}
	return caps
}

func isOSeries(id string) bool {
	return len(id) > 1 && id[0] == 'o' && id[1] >= '0' && id[1] <= '9'
}

// chatCapable filters out embeddings, audio, image and moderation models.
func chatCapable(id string) bool {
	id = strings.ToLower(id)
	if !strings.HasPrefix(id, "gpt-") && !isOSeries(id) {
		return false
	}
	for _, skip := range []string{"embedding", "tts", "whisper", "transcribe", "audio", "realtime", "image", "moderation", "search-preview"} {
		if strings.Contains(id, skip) {
			return false
		}
	}
	return true
}

// FallbackModels returns Fallback as models.
func FallbackModels() []Model {
	out := make([]Model, 0, len(Fallback))
	for _, id := range Fallback {
		out = append(out, Model{ID: id, Capabilities: Capabilities(id)})
	}
	return out
}

// IDs returns the ids of models.
func IDs(models []Model) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, m.ID)
	}
	return out
}

func sortModels(models []Model) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
}
