package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/common/tracing"
)

// ExhaustionError is returned when every chain entry was skipped or failed;
// Status and Message map directly onto the exhaustion
// classification (502 configuration/client/upstream, or 429 rate limit).
type ExhaustionError struct {
	Status  int
	Message string
}

func (e *ExhaustionError) Error() string { return e.Message }

// attempt records the outcome of one waterfall entry, used only to drive the
// exhaustion classification once every entry has been tried.
type attempt struct {
	skipped bool
	reason  FailureReason
}

// Forwarder executes the OpenAI-compatible failover waterfall: rewrite the
// model field, forward to each eligible chain entry in order, classify
// failures into the health tracker, and stream (or buffer) the first
// successful response back to the caller.
type Forwarder struct {
	client *http.Client
	health *HealthTracker
	log    *logger.Logger
}

// NewForwarder builds a Forwarder. Streaming requests use their own
// per-request client with no overall timeout (a body-read timeout would
// kill long generations); streamClient therefore only bounds the dial/TLS
// handshake phase via a transport-level timeout, not client.Timeout.
func NewForwarder(health *HealthTracker, log *logger.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: constants.NonStreamingProxyTimeout},
		health: health,
		log:    log.WithFields(zap.String("component", "proxy")),
	}
}

// Chat runs the waterfall for a non-streaming request: body is the parsed
// incoming JSON (already validated to carry a "model" key, replaced per
// entry). Returns the first successful upstream response body as a
// json.RawMessage, or an *ExhaustionError if every entry failed.
func (f *Forwarder) Chat(ctx context.Context, entries []ResolvedEntry, body map[string]any) (json.RawMessage, error) {
	attempts := make([]attempt, 0, len(entries))

	for _, e := range entries {
		if !e.eligible() {
			attempts = append(attempts, attempt{skipped: true})
			continue
		}

		reqBody := cloneWithModel(body, e.ModelID)
		attemptCtx, span := tracing.TraceProxyAttempt(ctx, e.ProviderID, e.ModelID, false)
		resp, err := f.do(attemptCtx, e, reqBody, f.client)
		if err != nil {
			tracing.EndSpan(span, err)
			f.health.RecordFailure(e.ProviderID, e.AccountID, ReasonTimeout, 30*time.Second)
			attempts = append(attempts, attempt{reason: ReasonTimeout})
			continue
		}

		outcome, respBody := f.classifyResponse(resp, e)
		resp.Body.Close()

		if outcome == "" {
			tracing.EndSpan(span, nil)
			f.health.RecordSuccess(e.ProviderID, e.AccountID)
			return respBody, nil
		}
		tracing.EndSpan(span, fmt.Errorf("upstream failure: %s", outcome))
		attempts = append(attempts, attempt{reason: outcome})
	}

	return nil, classifyExhaustion(attempts)
}

// Stream runs the waterfall for a streaming request, writing normalized SSE
// frames to w as they arrive from the first entry whose first frame isn't an
// embedded error. flush is called after every write (gin's ResponseWriter
// satisfies http.Flusher).
func (f *Forwarder) Stream(ctx context.Context, entries []ResolvedEntry, body map[string]any, w io.Writer, flush func()) error {
	attempts := make([]attempt, 0, len(entries))
	streamClient := &http.Client{} // no overall timeout: long generations must not be killed

	for _, e := range entries {
		if !e.eligible() {
			attempts = append(attempts, attempt{skipped: true})
			continue
		}

		reqBody := cloneWithModel(body, e.ModelID)
		resp, err := f.do(ctx, e, reqBody, streamClient)
		if err != nil {
			f.health.RecordFailure(e.ProviderID, e.AccountID, ReasonTimeout, 30*time.Second)
			attempts = append(attempts, attempt{reason: ReasonTimeout})
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			reason := classifyStatus(resp.StatusCode)
			f.recordStatusFailure(e, resp, reason)
			resp.Body.Close()
			attempts = append(attempts, attempt{reason: reason})
			continue
		}

		peeked := make([]byte, 4096)
		n, _ := io.ReadFull(resp.Body, peeked)
		peeked = peeked[:n]

		if errType, found := firstFrameError(peeked); found {
			reason := classifyErrorType(errType)
			f.health.RecordFailure(e.ProviderID, e.AccountID, reason, 0)
			resp.Body.Close()
			attempts = append(attempts, attempt{reason: reason})
			continue
		}

		// Committed: forward the peeked bytes then the rest of the stream,
		// normalizing each data line. A mid-stream I/O error still counts as
		// ServerError, but the client has already received bytes by then.
		ioErr := forwardNormalized(io.MultiReader(bytes.NewReader(peeked), resp.Body), w, flush)
		resp.Body.Close()
		if ioErr != nil {
			f.health.RecordFailure(e.ProviderID, e.AccountID, ReasonServerError, 0)
			return fmt.Errorf("proxy: stream forwarding: %w", ioErr)
		}
		f.health.RecordSuccess(e.ProviderID, e.AccountID)
		return nil
	}

	return classifyExhaustion(attempts)
}

func (f *Forwarder) do(ctx context.Context, e ResolvedEntry, body map[string]any, client *http.Client) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("proxy: marshal request: %w", err)
	}
	url := strings.TrimRight(e.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	return client.Do(req)
}

// classifyResponse handles a non-streaming response: reads the full body,
// classifies status/embedded-error, and returns ("", body) on success.
func (f *Forwarder) classifyResponse(resp *http.Response, e ResolvedEntry) (FailureReason, json.RawMessage) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.health.RecordFailure(e.ProviderID, e.AccountID, ReasonServerError, 0)
		return ReasonServerError, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := classifyStatus(resp.StatusCode)
		f.recordStatusFailureRaw(e, resp.StatusCode, resp.Header, reason)
		return reason, nil
	}

	var probe struct {
		Error *struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.Error != nil {
		reason := classifyErrorType(probe.Error.Type)
		f.health.RecordFailure(e.ProviderID, e.AccountID, reason, 0)
		return reason, nil
	}

	return "", json.RawMessage(data)
}

func (f *Forwarder) recordStatusFailure(e ResolvedEntry, resp *http.Response, reason FailureReason) {
	f.recordStatusFailureRaw(e, resp.StatusCode, resp.Header, reason)
}

func (f *Forwarder) recordStatusFailureRaw(e ResolvedEntry, status int, header http.Header, reason FailureReason) {
	var d time.Duration
	if status == http.StatusTooManyRequests || status == 529 {
		d = ShortestRetryAfter(header)
	}
	f.health.RecordFailure(e.ProviderID, e.AccountID, reason, d)
}

// classifyStatus maps an HTTP status code to a FailureReason: 429 and
// 529 are rate/overload, 5xx server, 401/403 auth, other 4xx client.
func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == 529:
		return ReasonOverloaded
	case status >= 500:
		return ReasonServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuthError
	case status >= 400:
		return ReasonClientError
	default:
		return ReasonServerError
	}
}

// classifyErrorType maps an embedded SSE/JSON error "type" string (e.g.
// Anthropic's "overloaded_error", OpenAI's "rate_limit_error") to a
// FailureReason using the same status-code rules where a type name implies
// one directly, defaulting to ServerError otherwise.
func classifyErrorType(errType string) FailureReason {
	switch {
	case strings.Contains(errType, "overloaded"):
		return ReasonOverloaded
	case strings.Contains(errType, "rate_limit"):
		return ReasonRateLimit
	case strings.Contains(errType, "auth") || strings.Contains(errType, "permission"):
		return ReasonAuthError
	case strings.Contains(errType, "invalid") || strings.Contains(errType, "not_found"):
		return ReasonClientError
	default:
		return ReasonServerError
	}
}

// classifyExhaustion implements the exhaustion classification.
func classifyExhaustion(attempts []attempt) *ExhaustionError {
	attempted := 0
	allClientError := true
	anyRateLimit := false
	anyServerOrNetwork := false

	for _, a := range attempts {
		if a.skipped {
			continue
		}
		attempted++
		switch a.reason {
		case ReasonClientError, ReasonAuthError:
			// stays allClientError
		default:
			allClientError = false
		}
		switch a.reason {
		case ReasonRateLimit, ReasonOverloaded:
			anyRateLimit = true
		case ReasonTimeout, ReasonServerError:
			anyServerOrNetwork = true
		}
	}

	switch {
	case attempted == 0:
		return &ExhaustionError{Status: http.StatusBadGateway, Message: "configuration error"}
	case allClientError:
		return &ExhaustionError{Status: http.StatusBadGateway, Message: "client/auth errors"}
	case anyServerOrNetwork && !anyRateLimit:
		return &ExhaustionError{Status: http.StatusBadGateway, Message: "upstream unavailable"}
	default:
		return &ExhaustionError{Status: http.StatusTooManyRequests, Message: "rate_limit_exceeded"}
	}
}

func cloneWithModel(body map[string]any, model string) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["model"] = model
	return out
}

// forwardNormalized copies the SSE data frames from r to w, stripping the
// MiniMax empty-delta-role quirk from each one and writing each frame
// followed by a blank line. Lines that are not "data: " frames (comments,
// event:, id:, the source's own blank separators) are not forwarded.
func forwardNormalized(r io.Reader, w io.Writer, flush func()) error {
	var writeErr error
	scanErr := scanSSELines(r, func(sl sseLine) bool {
		var line string
		if sl.isDone {
			line = sl.raw
		} else {
			line = "data: " + normalizeDeltaRole(sl.data)
		}
		if _, err := io.WriteString(w, line+"\n\n"); err != nil {
			writeErr = err
			return false
		}
		if flush != nil {
			flush()
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	return scanErr
}
