// Package usage implements the Usage Counter (spec.md §4.3): deferred
// quota counting with conversation-turn deduplication. Counting happens
// only after a successful upstream response has begun (streams) or
// completed (unary) so that client-side retries on failed requests never
// double-charge and metadata-only endpoints never charge at all.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmgateway/llmgateway/pkg/store"
)

// Store is the subset of the Store Client the Usage Counter depends on.
type Store interface {
	IncrementUsage(ctx context.Context, tokenString, conversationID string) (store.UsageCheck, error)
}

// Reservation is a scoped handle for a deferred usage increment: the
// Entry Handler obtains one before forwarding a request and must call
// exactly one of Commit or Drop once the upstream outcome is known.
type Reservation struct {
	store          Store
	token          string
	conversationID string
	shouldCount    bool
	resolved       bool
}

// Reserve evaluates whether a request would count (spec.md §4.3 "which
// requests count") and, if so, returns a Reservation the caller must
// later Commit (on a successful upstream response) or Drop (on any
// failure). If the request does not count at all (count_tokens path, or
// the last message isn't countable), the returned Reservation is a no-op:
// Commit and Drop are both safe but do nothing.
func Reserve(token, conversationID string, shouldCount bool, store Store) *Reservation {
	return &Reservation{store: store, token: token, conversationID: conversationID, shouldCount: shouldCount}
}

// Commit persists the deferred increment. Safe to call at most once; a
// second call is a no-op. Returns the post-increment usage for logging.
func (r *Reservation) Commit(ctx context.Context) (store.UsageCheck, error) {
	if r.resolved || !r.shouldCount {
		r.resolved = true
		return store.UsageCheck{}, nil
	}
	r.resolved = true
	return r.store.IncrementUsage(ctx, r.token, r.conversationID)
}

// Drop abandons the reservation without mutating the count. Called on
// any upstream failure path.
func (r *Reservation) Drop() {
	r.resolved = true
}

// IsCountTokens reports whether the given request path targets the
// token-counting endpoint, which never counts against quota regardless
// of message shape.
func IsCountTokens(path string) bool {
	return strings.Contains(path, "/count_tokens")
}

// ShouldCountUsage implements spec.md §4.3's "which requests count"
// classification: the request counts iff it is not a count_tokens call
// and its last message has role "user" with content that is not a
// tool_result block.
func ShouldCountUsage(path string, body []byte) bool {
	if IsCountTokens(path) {
		return false
	}
	var parsed struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Messages) == 0 {
		return false
	}
	return lastMessageIsUserTextNotToolResult(parsed.Messages[len(parsed.Messages)-1])
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
}

func lastMessageIsUserTextNotToolResult(raw json.RawMessage) bool {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	if m.Role != "user" {
		return false
	}
	return contentIsNotToolResult(m.Content)
}

// contentIsNotToolResult implements spec.md §4.3's content-shape rule:
// strings always count; an array of content blocks counts iff none of
// its blocks is a tool_result; a single object counts iff its type isn't
// tool_result.
func contentIsNotToolResult(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	// String content.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return true
	}

	// Array of content blocks.
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "tool_result" {
				return false
			}
		}
		return true
	}

	// Single content-block object.
	var block contentBlock
	if err := json.Unmarshal(raw, &block); err == nil {
		return block.Type != "tool_result"
	}

	return false
}

// ConversationID computes the stable caller fingerprint spec.md §4.3
// defines: clientIP ":" truncated(userAgent, 50). Message content is
// deliberately never hashed into this value — some upstreams mutate
// message content between client retries, which would otherwise produce
// spurious distinct fingerprints for the same logical conversation turn.
func ConversationID(clientIP, userAgent string) string {
	const maxUserAgentLen = 50
	ua := []rune(userAgent)
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return fmt.Sprintf("%s:%s", clientIP, string(ua))
}
