// Package transform implements the Request Transformer (spec.md §4.5):
// upstream URL construction, model validation/swap, and system-prompt
// injection across the six supported formats.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/llmgateway/llmgateway/pkg/selector"
	"github.com/llmgateway/llmgateway/pkg/store"
)

// ErrModelMismatch is returned when the caller's requested model does
// not match the configured display model.
var ErrModelMismatch = errors.New("transform: model mismatch")

const fallbackActualModel = "default-model"

// maxSystemPromptLen mirrors the hard cap of store.ModelConfig.TruncatedPrompt
// and store.GlobalSettings.TruncatedSystemPrompt. The prompts passed to
// InjectSystemPrompt are the raw stored values, so the cap is applied here.
const maxSystemPromptLen = 10_000

func truncatePrompt(s string) string {
	r := []rune(s)
	if len(r) <= maxSystemPromptLen {
		return s
	}
	return string(r[:maxSystemPromptLen])
}

// BuildUpstreamURL implements spec.md §4.5's URL construction rule (P6):
// strip a trailing slash from apiBase; if apiBase ends in "/v1" and the
// client path also begins with "/v1", strip that prefix from the client
// path before concatenating; otherwise concatenate verbatim; append the
// original query string unchanged.
func BuildUpstreamURL(apiBase, pathAndQuery string) string {
	base := strings.TrimSuffix(apiBase, "/")

	path := pathAndQuery
	query := ""
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		path = pathAndQuery[:i]
		query = pathAndQuery[i:]
	}

	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}

	return base + path + query
}

// Request is the caller's JSON body, decoded generically so arbitrary
// upstream-specific fields survive untouched.
type Request map[string]any

// ValidateAndSwapModel implements spec.md §4.5's model validation and
// swap: the body's "model" field must equal settings.ModelDisplay, else
// ErrModelMismatch. It is replaced by the resolved actual model
// (activeSource.ModelActual, falling back to settings.ModelActual, then
// a fixed default), and any top-level "metadata" field is stripped.
func ValidateAndSwapModel(body Request, settings store.GlobalSettings, src selector.ActiveSource) error {
	model, _ := body["model"].(string)
	if model != settings.ModelDisplay {
		return fmt.Errorf("%w: got %q, want %q", ErrModelMismatch, model, settings.ModelDisplay)
	}

	actual := src.ModelActual
	if actual == "" {
		actual = settings.ModelActual
	}
	if actual == "" {
		actual = fallbackActualModel
	}
	body["model"] = actual

	delete(body, "metadata")
	return nil
}

// resolvePrompt picks the system prompt to inject: the model config's
// prompt if the caller supplied one and it's non-empty, else the
// settings' prompt. Returns ("", false) only if both are empty after
// trimming; a non-empty prompt is always returned truncated to 10,000
// characters.
func resolvePrompt(modelConfigPrompt string, settings store.GlobalSettings) (string, bool) {
	p := strings.TrimSpace(modelConfigPrompt)
	if p == "" {
		p = strings.TrimSpace(settings.SystemPrompt)
	}
	if p == "" {
		return "", false
	}
	return truncatePrompt(p), true
}

// InjectSystemPrompt implements spec.md §4.5's six-format injection
// table. requestPath is used only to distinguish "auto"'s anthropic vs
// openai branch.
func InjectSystemPrompt(body Request, requestPath, modelConfigPrompt string, settings store.GlobalSettings, src selector.ActiveSource) {
	if src.DisableSystemPromptInjection {
		return
	}

	prompt, ok := resolvePrompt(modelConfigPrompt, settings)
	if !ok {
		return
	}

	format := src.SystemPromptFormat
	if format == "" {
		format = settings.SystemPromptFormat
	}
	if format == "" {
		format = store.FormatAuto
	}
	if format == store.FormatDisabled {
		return
	}

	if format == store.FormatAuto {
		if _, hasSystem := body["system"]; hasSystem || strings.Contains(requestPath, "/messages") {
			format = store.FormatAnthropic
		} else {
			format = store.FormatOpenAI
		}
	}

	switch format {
	case store.FormatAnthropic:
		injectAnthropic(body, prompt)
	case store.FormatOpenAI:
		injectOpenAI(body, prompt)
	case store.FormatBoth:
		injectAnthropic(body, prompt)
		injectOpenAI(body, prompt)
	case store.FormatUserMessage:
		injectUserMessage(body, prompt)
	case store.FormatInjectFirstUser:
		injectFirstUser(body, prompt)
	}
}

func injectAnthropic(body Request, prompt string) {
	body["system"] = prompt
}

func messagesOf(body Request) []any {
	msgs, _ := body["messages"].([]any)
	return msgs
}

func roleOf(m any) string {
	obj, ok := m.(map[string]any)
	if !ok {
		return ""
	}
	role, _ := obj["role"].(string)
	return role
}

func injectOpenAI(body Request, prompt string) {
	msgs := messagesOf(body)
	for _, m := range msgs {
		if roleOf(m) == "system" {
			if obj, ok := m.(map[string]any); ok {
				obj["content"] = prompt
				return
			}
		}
	}
	systemMsg := map[string]any{"role": "system", "content": prompt}
	body["messages"] = append([]any{systemMsg}, msgs...)
}

func wrapInstructions(prompt string) string {
	return fmt.Sprintf("[System Instructions]\n%s\n[End System Instructions]", prompt)
}

func injectUserMessage(body Request, prompt string) {
	delete(body, "system")
	msgs := messagesOf(body)
	filtered := msgs[:0:0]
	for _, m := range msgs {
		if roleOf(m) == "system" {
			continue
		}
		filtered = append(filtered, m)
	}
	userMsg := map[string]any{"role": "user", "content": wrapInstructions(prompt)}
	body["messages"] = append([]any{userMsg}, filtered...)
}

func injectFirstUser(body Request, prompt string) {
	delete(body, "system")
	msgs := messagesOf(body)
	filtered := msgs[:0:0]
	for _, m := range msgs {
		if roleOf(m) != "system" {
			filtered = append(filtered, m)
		}
	}

	wrapped := wrapInstructions(prompt)
	for i, m := range filtered {
		if roleOf(m) != "user" {
			continue
		}
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := obj["content"].(type) {
		case []any:
			obj["content"] = append([]any{map[string]any{"type": "text", "text": wrapped}}, content...)
		case string:
			obj["content"] = wrapped + "\n" + content
		default:
			obj["content"] = wrapped
		}
		filtered[i] = obj
		break
	}
	body["messages"] = filtered
}

// Marshal serializes the (possibly mutated) request body back to JSON.
func Marshal(body Request) ([]byte, error) {
	return json.Marshal(body)
}

// Decode parses a raw JSON request body into a Request map.
func Decode(raw []byte) (Request, error) {
	var body Request
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}
	return body, nil
}
