// Package relay implements the Relay & Rewriter (spec.md §4.6): the
// upstream HTTP call and the response stream back to the caller, with
// model-name rewriting, SSE heartbeats, and the scoped concurrency-slot
// release guarantee.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// upstreamDeadline is the hard per-request ceiling (spec.md §4.6).
	upstreamDeadline = 5 * time.Minute

	// heartbeatInterval is how often a still-writable stream gets a
	// keep-alive comment during upstream silence (spec.md §4.6, P8).
	heartbeatInterval = 15 * time.Second

	maxIdleConnsPerHost = 50
	maxIdleConns        = 200
	idleConnTimeout     = 30 * time.Second
	socketTimeout       = 60 * time.Second

	defaultUserAgent     = "claude-code/1.0.42"
	defaultClientVersion = "1.0.42"
)

// NewHTTPClient builds the shared client the relay uses for every
// upstream call: a pool of persistent, host-keyed TLS connections tuned
// per spec.md §4.6 (≤50 concurrent and idle sockets per host, 30s idle
// timeout). The per-request 5-minute deadline is applied via context,
// not Client.Timeout, so the heartbeat/streaming path is not cut short
// by a client-wide timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			MaxConnsPerHost:       maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			ResponseHeaderTimeout: socketTimeout,
		},
	}
}

// Identity configures the upstream identity headers spec.md §4.6
// requires. An empty field falls back to the spec's literal value; the
// values are fixed for the Relay's lifetime when passed to New and are
// not taken from GlobalSettings.
type Identity struct {
	UserAgent     string
	ClientVersion string
}

func (id Identity) userAgent() string {
	if id.UserAgent != "" {
		return id.UserAgent
	}
	return defaultUserAgent
}

func (id Identity) clientVersion() string {
	if id.ClientVersion != "" {
		return id.ClientVersion
	}
	return defaultClientVersion
}

// Brand configures the literal brand-name rewrite applied to the SSE
// wire (spec.md §9 open question 2, resolved in SPEC_FULL.md §8.2): a
// second, independent rewrite from the model-name one. Both fields
// empty is a no-op.
type Brand struct {
	SourceBrand  string
	DisplayBrand string
}

// Relay owns the upstream call and response relay for a single request.
type Relay struct {
	client            *http.Client
	logger            *slog.Logger
	identity          Identity
	brand             Brand
	deadline          time.Duration
	heartbeatInterval time.Duration
}

// New creates a Relay using the given shared HTTP client. deadline and
// heartbeat, if zero, default to spec.md §4.6's 5-minute/15-second
// values.
func New(client *http.Client, logger *slog.Logger, identity Identity, brand Brand, deadline, heartbeat time.Duration) *Relay {
	if deadline == 0 {
		deadline = upstreamDeadline
	}
	if heartbeat == 0 {
		heartbeat = heartbeatInterval
	}
	return &Relay{client: client, logger: logger, identity: identity, brand: brand, deadline: deadline, heartbeatInterval: heartbeat}
}

// releaseGuard ensures release fires exactly once across every
// termination path (spec.md §4.6's "scoped resource" requirement).
type releaseGuard struct {
	once    sync.Once
	release func()
}

func newReleaseGuard(release func()) *releaseGuard {
	return &releaseGuard{release: release}
}

func (g *releaseGuard) fire() {
	g.once.Do(g.release)
}

// Usage is opportunistically harvested token-usage, logged only — never
// fed back into billing (spec.md §4.6).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Outcome summarizes what happened after Relay has fully handled a
// request, so the Entry Handler knows whether to commit the deferred
// usage reservation.
type Outcome struct {
	Success bool
	Usage   Usage
}

// newUpstreamRequest builds the POST request spec.md §4.6 describes,
// with the fixed and configurable identity headers set.
func (r *Relay) newUpstreamRequest(ctx context.Context, method, url string, body []byte, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", r.identity.userAgent())
	req.Header.Set("anthropic-client-version", r.identity.clientVersion())
	return req, nil
}

// ErrUpstreamTimeout signals the 5-minute deadline elapsed before the
// upstream responded or finished streaming.
var ErrUpstreamTimeout = context.DeadlineExceeded

// Unary relays a non-streaming (request body stream field absent/false)
// response. release is invoked exactly once before returning. It writes
// status, headers, and the rewritten body to w.
func (r *Relay) Unary(ctx context.Context, w http.ResponseWriter, upstreamURL string, body []byte, apiKey, modelActual, modelDisplay string, release func()) (Outcome, error) {
	guard := newReleaseGuard(release)
	defer guard.fire()

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	req, err := r.newUpstreamRequest(ctx, http.MethodPost, upstreamURL, body, apiKey)
	if err != nil {
		return Outcome{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading upstream body: %w", err)
	}

	rewriter := newModelRewriter(modelActual, modelDisplay)
	rewritten := rewriteJSONStrings(raw, rewriter)

	guard.fire()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, rewriter.Replace(v))
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, writeErr := w.Write(rewritten)

	usage := harvestUsage(rewritten)
	success := resp.StatusCode >= 200 && resp.StatusCode < 300 && writeErr == nil
	return Outcome{Success: success, Usage: usage}, writeErr
}

// flusher is the subset of http.Flusher the streaming path needs.
type flusher interface {
	Flush()
}

// Stream relays a streaming (stream=true) response: sentinel, heartbeat,
// chunk-by-chunk rewrite, as described in spec.md §4.6. release is
// invoked exactly once, on every termination path.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, upstreamURL string, body []byte, apiKey, modelActual, modelDisplay string, release func()) (Outcome, error) {
	guard := newReleaseGuard(release)
	defer guard.fire()

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeSentinel(w, ":connected\n\n")

	fl, _ := w.(flusher)
	if fl != nil {
		fl.Flush()
	}

	req, err := r.newUpstreamRequest(ctx, http.MethodPost, upstreamURL, body, apiKey)
	if err != nil {
		return Outcome{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	heartbeatStop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(w, fl, r.heartbeatInterval, heartbeatStop, heartbeatDone)
	defer func() {
		close(heartbeatStop)
		<-heartbeatDone
	}()

	rewriter := newModelRewriter(modelActual, modelDisplay)
	usage := Usage{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Outcome{Success: false, Usage: usage}, ctx.Err()
		default:
		}

		line := scanner.Text()
		rewritten, harvested := rewriteSSELine(line, rewriter, r.brand)
		if harvested != nil {
			mergeUsage(&usage, *harvested)
		}

		if _, err := io.WriteString(w, rewritten+"\n"); err != nil {
			return Outcome{Success: false, Usage: usage}, err
		}
		if fl != nil {
			fl.Flush()
		}
	}

	if err := scanner.Err(); err != nil {
		return Outcome{Success: false, Usage: usage}, err
	}

	guard.fire()
	return Outcome{Success: resp.StatusCode >= 200 && resp.StatusCode < 300, Usage: usage}, nil
}

func (r *Relay) heartbeatLoop(w http.ResponseWriter, fl flusher, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !writeSentinel(w, ":heartbeat\n\n") {
				return
			}
			if fl != nil {
				fl.Flush()
			}
		}
	}
}

func writeSentinel(w http.ResponseWriter, s string) bool {
	_, err := io.WriteString(w, s)
	return err == nil
}

// modelRewriter performs the case-insensitive, literal replacement of
// modelActual with modelDisplay required throughout spec.md §4.6.
// Regex metacharacters in modelActual are escaped so the model name is
// always matched literally.
type modelRewriter struct {
	re      *regexp.Regexp
	display string
}

func newModelRewriter(modelActual, modelDisplay string) *modelRewriter {
	if modelActual == "" {
		return &modelRewriter{re: nil, display: modelDisplay}
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(modelActual))
	return &modelRewriter{re: re, display: modelDisplay}
}

// Replace performs the model-name rewrite on a single string, idempotent
// (P7): rewriting a string already free of modelActual twice is the same
// as once, since the regex simply finds no further match.
func (m *modelRewriter) Replace(s string) string {
	if m.re == nil {
		return s
	}
	return m.re.ReplaceAllString(s, m.display)
}

// rewriteJSONStrings walks a parsed JSON structure and rewrites every
// string value via the rewriter, preserving the original structure. If
// raw is not valid JSON it falls back to rewriting the raw bytes
// literally, matching the streaming path's non-JSON-line fallback.
func rewriteJSONStrings(raw []byte, rewriter *modelRewriter) []byte {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return []byte(rewriter.Replace(string(raw)))
	}
	walkRewrite(parsed, rewriter)
	out, err := json.Marshal(parsed)
	if err != nil {
		return []byte(rewriter.Replace(string(raw)))
	}
	return out
}

func walkRewrite(v any, rewriter *modelRewriter) any {
	switch val := v.(type) {
	case string:
		return rewriter.Replace(val)
	case map[string]any:
		for k, vv := range val {
			val[k] = walkRewrite(vv, rewriter)
		}
		return val
	case []any:
		for i, vv := range val {
			val[i] = walkRewrite(vv, rewriter)
		}
		return val
	default:
		return v
	}
}

func rewriteBrand(s string, brand Brand) string {
	source := brand.SourceBrand
	display := brand.DisplayBrand
	if source == "" || display == "" {
		return s
	}
	return strings.ReplaceAll(s, source, display)
}

// rewriteSSELine implements spec.md §4.6's per-chunk streaming rewrite:
// for a "data: " line, attempt JSON-parse and deep-rewrite; otherwise
// (including "data: [DONE]") fall back to a literal rewrite of the raw
// line. The brand rewrite is applied unconditionally afterward. It also
// opportunistically extracts token usage for logging.
func rewriteSSELine(line string, rewriter *modelRewriter, brand Brand) (string, *Usage) {
	const dataPrefix = "data: "
	if !strings.HasPrefix(line, dataPrefix) {
		return rewriteBrand(rewriter.Replace(line), brand), nil
	}

	payload := strings.TrimPrefix(line, dataPrefix)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return rewriteBrand(rewriter.Replace(line), brand), nil
	}

	walkRewrite(parsed, rewriter)
	out, err := json.Marshal(parsed)
	if err != nil {
		return rewriteBrand(rewriter.Replace(line), brand), nil
	}

	usage := harvestUsageFromEvent(parsed)
	return rewriteBrand(dataPrefix+string(out), brand), usage
}

func harvestUsage(raw []byte) Usage {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Usage{}
	}
	if u := harvestUsageFromEvent(parsed); u != nil {
		return *u
	}
	return Usage{}
}

// harvestUsageFromEvent reads Anthropic's message_start/message_delta
// shapes and OpenAI's top-level usage shape, for logging only.
func harvestUsageFromEvent(parsed map[string]any) *Usage {
	usage := Usage{}
	found := false

	if msg, ok := parsed["message"].(map[string]any); ok {
		if u, ok := msg["usage"].(map[string]any); ok {
			if v, ok := u["input_tokens"].(float64); ok {
				usage.InputTokens = int(v)
				found = true
			}
		}
	}
	if u, ok := parsed["usage"].(map[string]any); ok {
		if v, ok := u["output_tokens"].(float64); ok {
			usage.OutputTokens = int(v)
			found = true
		}
		if v, ok := u["prompt_tokens"].(float64); ok {
			usage.InputTokens = int(v)
			found = true
		}
		if v, ok := u["completion_tokens"].(float64); ok {
			usage.OutputTokens = int(v)
			found = true
		}
	}

	if !found {
		return nil
	}
	return &usage
}

func mergeUsage(dst *Usage, src Usage) {
	if src.InputTokens != 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens != 0 {
		dst.OutputTokens = src.OutputTokens
	}
}
