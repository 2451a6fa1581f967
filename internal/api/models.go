package api

import (
	"net/http"
	"slices"

	"github.com/ashureev/llmchat/internal/domain"
)

// ModelPolicy restricts requests to a fixed set of models.
type ModelPolicy struct {
	Default string
	Allowed []string
}

// Resolve returns name when it is allowed and the default otherwise. The
// second result is false when a non-empty name was replaced.
func (p ModelPolicy) Resolve(name string) (string, bool) {
	if name == "" {
		return p.Default, true
	}
	if slices.Contains(p.Allowed, name) {
		return name, true
	}
	return p.Default, false
}

// withSystemPrompt returns msgs with prompt prepended, unless prompt is empty
// or msgs already carry a system message.
func withSystemPrompt(msgs []domain.Message, prompt string) []domain.Message {
	if prompt == "" || domain.HasSystemMessage(msgs) {
		return msgs
	}
	out := make([]domain.Message, 0, len(msgs)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: prompt})
	return append(out, msgs...)
}

// GetConfig returns the model settings the frontend needs.
func (h *ChatHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"models":        h.models.Allowed,
		"default_model": h.models.Default,
	})
}
