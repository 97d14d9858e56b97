// Package gateway implements the public dispatch surface: a fetch-shaped
// entry point that passes arbitrary requests through unchanged except for
// calls aimed at the CodeWhisperer inference host, which it intercepts,
// translates, retries, and re-shapes into an OpenAI-compatible response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-ai/kiro-gateway/internal/kiro"
	"github.com/opencode-ai/kiro-gateway/internal/stream"
	translator "github.com/opencode-ai/kiro-gateway/internal/translator/kiro"
)

// qHostPattern matches the CodeWhisperer inference/control-plane host this
// gateway intercepts; everything else passes through unchanged.
var qHostPattern = regexp.MustCompile(`^https?://q\.[a-z0-9-]+\.amazonaws\.com`)

const (
	defaultRateLimitMaxRetries = 3
	defaultRetryDelay          = 2 * time.Second
	defaultRetryAfter          = 60 * time.Second
	upstreamTimeout            = 120 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimitMaxRetries overrides the retry-loop bound (default 3).
func WithRateLimitMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.rateLimitMaxRetries = n }
}

// WithRetryDelay overrides the base network-error backoff delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

// WithUsageTracking toggles the fire-and-forget usage check issued after a
// successful call.
func WithUsageTracking(enabled bool) Option {
	return func(d *Dispatcher) { d.usageTrackingEnabled = enabled }
}

// WithHTTPClient overrides the client used for both passthrough and
// intercepted requests. Mainly a testing seam.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithUpstreamBaseURL overrides the scheme+host the dispatcher sends
// translated chat requests to, keeping the path and query BuildRequest
// produced. Production never sets this; tests use it to point the
// dispatcher at an httptest.Server instead of the real q.<region> host.
func WithUpstreamBaseURL(baseURL string) Option {
	return func(d *Dispatcher) { d.upstreamBaseURL = baseURL }
}

// Dispatcher is the gateway's single entry point.
type Dispatcher struct {
	manager   *kiro.Manager
	refresher *kiro.Refresher

	usageCheckersMu sync.Mutex
	usageCheckers   map[kiro.Region]*kiro.UsageChecker

	httpClient      *http.Client
	upstreamBaseURL string

	metrics *kiro.MetricsRegistry

	rateLimitMaxRetries int
	retryDelay          time.Duration
	usageTrackingEnabled bool
}

// New builds a Dispatcher over an already-running Manager and Refresher.
func New(manager *kiro.Manager, refresher *kiro.Refresher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		manager:              manager,
		refresher:            refresher,
		usageCheckers:        make(map[kiro.Region]*kiro.UsageChecker),
		httpClient:           &http.Client{Timeout: upstreamTimeout},
		metrics:              kiro.NewMetricsRegistry(),
		rateLimitMaxRetries:  defaultRateLimitMaxRetries,
		retryDelay:           defaultRetryDelay,
		usageTrackingEnabled: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Metrics returns the dispatcher's per-account request metrics, for the
// management surface to expose read-only to operators.
func (d *Dispatcher) Metrics() *kiro.MetricsRegistry { return d.metrics }

// FetchInput is the gateway's generic request shape, modeled on the
// fetch(input, init) surface callers invoke it through.
type FetchInput struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// FetchResult is the gateway's generic response shape. For a passthrough
// call, Body/StatusCode/Headers mirror the upstream response exactly. For
// an intercepted chat call, Body carries either the collected OpenAI JSON
// envelope (non-streaming) or the concatenated SSE lines (streaming, joined
// in emission order) and StatusCode is always 200 once this function
// returns successfully — failures come back as an error instead.
type FetchResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Streaming  bool
}

// Fetch is the public entry point. URLs outside the CodeWhisperer host
// pattern pass through unmodified; everything else is intercepted,
// translated, and retried per the dispatcher's state machine.
func (d *Dispatcher) Fetch(ctx context.Context, in *FetchInput) (*FetchResult, error) {
	if !qHostPattern.MatchString(in.URL) {
		return d.passthrough(ctx, in)
	}
	return d.dispatchChat(ctx, in)
}

func (d *Dispatcher) passthrough(ctx context.Context, in *FetchInput) (*FetchResult, error) {
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build passthrough request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: passthrough request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read passthrough response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &FetchResult{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

// dispatchChat runs the retry loop described in spec.md §4.J: select an
// account, ensure its token is fresh, translate and send the request, and
// branch on the response status. Each case either completes the call,
// fails outright, or loops to try again.
func (d *Dispatcher) dispatchChat(ctx context.Context, in *FetchInput) (*FetchResult, error) {
	model := gjson.GetBytes(in.Body, "model").String()
	streamRequested := gjson.GetBytes(in.Body, "stream").Bool()

	var lastErr error
	for attempt := 0; attempt < d.rateLimitMaxRetries; attempt++ {
		acc, err := d.manager.Select(time.Now().UnixMilli())
		if err != nil {
			return nil, &kiro.NoAvailableAccountsError{}
		}

		if err := d.refresher.EnsureFresh(ctx, acc); err != nil {
			if tre, ok := err.(*kiro.TokenRefreshError); ok && tre.IsInvalidGrant() {
				lastErr = err
				continue // account already removed by the refresher
			}
			return nil, err
		}

		upstreamReq, err := translator.BuildRequest(in.Body, model, string(acc.Region), acc.AccessToken, acc.ProfileArn, acc.ClientID)
		if err != nil {
			return nil, &kiro.TranslationError{Stage: "request", Message: err.Error()}
		}

		callStart := time.Now()
		resp, body, err := d.send(ctx, upstreamReq)
		if err != nil {
			lastErr = err
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			d.sleepBackoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			if err := d.refresher.ForceRefresh(ctx, acc); err != nil {
				lastErr = err
			}
			continue

		case resp.StatusCode == http.StatusPaymentRequired:
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			now := time.Now()
			d.manager.MarkQuotaExhausted(acc.ID, now)
			u := now.UTC()
			recovery := time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			lastErr = &kiro.QuotaExhaustedError{AccountID: acc.ID, RecoveryTime: recovery.UnixMilli()}
			continue

		case resp.StatusCode == http.StatusForbidden:
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			d.manager.MarkForbidden(acc.ID)
			lastErr = &kiro.AuthError{AccountID: acc.ID, Message: "forbidden"}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			d.manager.MarkRateLimited(acc.ID, time.Now().Add(retryAfter).UnixMilli())
			lastErr = &kiro.RateLimitError{AccountID: acc.ID, ResetTime: time.Now().Add(retryAfter).UnixMilli()}
			d.sleepBackoff(ctx, attempt)
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			d.metrics.RecordRequest(acc.ID, false, time.Since(callStart))
			return nil, &kiro.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}

		default: // 2xx
			d.metrics.RecordRequest(acc.ID, true, time.Since(callStart))
			d.manager.TouchLastUsed(acc.ID, time.Now().UnixMilli())
			if d.usageTrackingEnabled {
				go d.trackUsage(acc)
			}
			return d.shapeResponse(body, model, streamRequested)
		}
	}

	return nil, &kiro.MaxRetriesExceededError{Attempts: d.rateLimitMaxRetries, LastErr: lastErr}
}

func (d *Dispatcher) send(ctx context.Context, upstreamReq *translator.UpstreamRequest) (*http.Response, []byte, error) {
	method := upstreamReq.Method
	if method == "" {
		method = http.MethodPost
	}
	targetURL := upstreamReq.URL
	if d.upstreamBaseURL != "" {
		if rewritten, err := rebaseURL(targetURL, d.upstreamBaseURL); err == nil {
			targetURL = rewritten
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(upstreamReq.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: build upstream request: %w", err)
	}
	for k, v := range upstreamReq.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: read upstream response: %w", err)
	}
	return resp, body, nil
}

// shapeResponse runs the raw, concatenated-JSON-object upstream body
// through the streaming parser and re-emits it either as SSE lines or as a
// single collected chat.completion envelope.
func (d *Dispatcher) shapeResponse(body []byte, model string, streaming bool) (*FetchResult, error) {
	id := stream.ChatCompletionID(uuid.NewString())
	created := time.Now().Unix()

	if streaming {
		parser := stream.NewParser()
		events := parser.Feed(body)
		events = append(events, parser.Close(false)...)

		enc := stream.NewEncoder(id, model, created)
		var out bytes.Buffer
		for _, line := range enc.Encode(events) {
			out.WriteString(line)
		}
		out.WriteString(enc.Done())
		return &FetchResult{StatusCode: http.StatusOK, Streaming: true, Body: out.Bytes()}, nil
	}

	collector := stream.NewCollector()
	collector.Feed(body)
	result := collector.Close()
	envelope := stream.ToOpenAIEnvelope(id, model, created, result)

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, &kiro.TranslationError{Stage: "response", Message: err.Error()}
	}
	return &FetchResult{StatusCode: http.StatusOK, Body: encoded}, nil
}

func (d *Dispatcher) trackUsage(acc *kiro.Account) {
	checker := d.usageCheckerFor(acc.Region)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reading, err := checker.Check(ctx, acc.AccessToken, acc.ProfileArn)
	if err != nil {
		log.Debugf("gateway: usage check failed for account %s: %v", acc.ID, err)
		return
	}
	d.manager.ApplyUsageReading(acc.ID, reading)
}

func (d *Dispatcher) usageCheckerFor(region kiro.Region) *kiro.UsageChecker {
	d.usageCheckersMu.Lock()
	defer d.usageCheckersMu.Unlock()
	if c, ok := d.usageCheckers[region]; ok {
		return c
	}
	c := kiro.NewUsageChecker(region, nil)
	d.usageCheckers[region] = c
	return c
}

func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) {
	delay := kiro.ExponentialBackoff(attempt, d.retryDelay, 30*time.Second)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// rebaseURL replaces target's scheme and host with base's, keeping target's
// path and query untouched.
func rebaseURL(target, base string) (string, error) {
	t, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	t.Scheme = b.Scheme
	t.Host = b.Host
	return t.String(), nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}
