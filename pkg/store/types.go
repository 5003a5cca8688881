// Package store provides typed operations over the remote key-value store
// that backs every persistent entity the gateway depends on (spec.md §3).
package store

import "time"

// UsageToday tracks the daily request counter for a KeyRecord.
type UsageToday struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// KeyRecord is the caller-facing API key record. It is stored under
// "key:{token}", where token is the raw caller token; the raw token alone
// is not used as the store key.
type KeyRecord struct {
	Expiry               string     `json:"expiry"` // YYYY-MM-DD, inclusive
	DailyLimit           int        `json:"daily_limit"`
	UsageToday           UsageToday `json:"usage_today"`
	SelectedModel        string     `json:"selected_model,omitempty"`
	SelectedAPIProfileID string     `json:"selected_api_profile_id,omitempty"`
	LastRequestTimestamp int64      `json:"last_request_timestamp,omitempty"` // ms since epoch
	LastConversationID   string     `json:"last_conversation_id,omitempty"`
}

// SystemPromptFormat enumerates the supported injection strategies (spec.md §4.5).
type SystemPromptFormat string

const (
	FormatAuto             SystemPromptFormat = "auto"
	FormatAnthropic        SystemPromptFormat = "anthropic"
	FormatOpenAI           SystemPromptFormat = "openai"
	FormatBoth             SystemPromptFormat = "both"
	FormatUserMessage      SystemPromptFormat = "user_message"
	FormatInjectFirstUser  SystemPromptFormat = "inject_first_user"
	FormatDisabled         SystemPromptFormat = "disabled"
)

// Profile describes a single backend the gateway can forward requests to.
type Profile struct {
	ID                           string             `json:"id"`
	Name                         string             `json:"name"`
	APIKey                       string             `json:"api_key"`
	APIURL                       string             `json:"api_url"`
	ModelActual                  string             `json:"model_actual,omitempty"`
	ModelDisplay                 string             `json:"model_display,omitempty"`
	IsActive                     bool               `json:"is_active"`
	DisableSystemPromptInjection bool               `json:"disable_system_prompt_injection,omitempty"`
	SystemPromptFormat           SystemPromptFormat `json:"system_prompt_format,omitempty"`
	Capabilities                 []string           `json:"capabilities,omitempty"`
}

// BackupProfile is a Profile plus the concurrency cap for its fallback slot.
// Stored as an ordered sequence — the order IS the fallback priority.
type BackupProfile struct {
	Profile
	ConcurrencyLimit int `json:"concurrency_limit"`
}

// ModelConfig maps a model-config id to its display name and system prompt.
type ModelConfig struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// maxSystemPromptLen is the hard cap on system-prompt length (spec.md §3).
const maxSystemPromptLen = 10_000

// TruncatedPrompt returns the model config's system prompt, truncated to the
// 10,000-character hard cap.
func (m ModelConfig) TruncatedPrompt() string {
	return truncate(m.SystemPrompt, maxSystemPromptLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// GlobalSettings is the singleton configuration for the "default" source.
type GlobalSettings struct {
	APIURL             string                 `json:"api_url"`
	APIKey             string                 `json:"api_key"`
	ModelDisplay       string                 `json:"model_display"`
	ModelActual        string                 `json:"model_actual"`
	SystemPrompt       string                 `json:"system_prompt,omitempty"`
	ConcurrencyLimit   int                    `json:"concurrency_limit,omitempty"`
	SystemPromptFormat SystemPromptFormat     `json:"system_prompt_format,omitempty"`
	Models             map[string]ModelConfig `json:"models,omitempty"`

	// SourceBrand/DisplayBrand and UserAgent/ClientVersion are stored and
	// returned with the settings, but the relay does not read them: its
	// brand-name rewrite pair and upstream identity headers are fixed when
	// relay.New is called (see cmd/llmgateway).
	SourceBrand  string `json:"source_brand,omitempty"`
	DisplayBrand string `json:"display_brand,omitempty"`

	UserAgent     string `json:"user_agent,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// TruncatedSystemPrompt returns the settings' system prompt truncated to
// the 10,000-character hard cap.
func (s GlobalSettings) TruncatedSystemPrompt() string {
	return truncate(s.SystemPrompt, maxSystemPromptLen)
}

// Announcement is read-only to the core; listed for completeness of the
// external interface (spec.md §3).
type Announcement struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Type      string     `json:"type"` // info|warning|error|success
	Priority  int        `json:"priority"`
	IsActive  bool       `json:"is_active"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
