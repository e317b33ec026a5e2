// Package retry implements the Streaming Retry Engine: the component that
// translates one client request into at most one successful upstream call,
// retrying across credentials per the outcome table (2xx / 400 / 429 /
// credential-invalid / other-4xx-5xx / transport-error) up to a budget of
// min(pool_size*3, 9) attempts.
package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	awseventstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/yansir/kiroproxy/internal/credential"
	"github.com/yansir/kiroproxy/internal/eventstream"
	"github.com/yansir/kiroproxy/internal/idgen"
	"github.com/yansir/kiroproxy/internal/tokenestimate"
	"github.com/yansir/kiroproxy/internal/transcode"
	"github.com/yansir/kiroproxy/internal/translate"
)

// ErrBadRequest marks the 400 outcome: client-fault, never retried, never
// charged against the credential.
var ErrBadRequest = errors.New("bad request")

// ErrUpstreamExhausted is the sentinel wrapped by ExhaustedError, the error
// surfaced when the retry budget is spent or the pool signals emptiness.
var ErrUpstreamExhausted = errors.New("upstream exhausted")

// ErrProxyDisabled marks a stream torn down mid-flight because Disable was
// called. It is distinct from a context cancellation: the client is still
// connected, the proxy operator turned the service off.
var ErrProxyDisabled = errors.New("proxy service has been disabled")

// ExhaustedError carries the last observed upstream outcome for diagnostics.
type ExhaustedError struct {
	LastStatus int
	LastBody   string
}

func (e *ExhaustedError) Error() string {
	body := strings.TrimSpace(e.LastBody)
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("upstream exhausted: last status %d: %s", e.LastStatus, body)
}

func (e *ExhaustedError) Unwrap() error { return ErrUpstreamExhausted }

const (
	kiroVersion  = "0.1.0"
	pingInterval = 25 * time.Second
	cancelPoll   = 500 * time.Millisecond
	readChunk    = 32 * 1024
)

// Engine ties the credential pool, shared transport, translator,
// event-stream decoder, and transcoder together into one request lifecycle.
type Engine struct {
	Pool   *credential.Pool
	Client *http.Client
	Region string

	testURL string // overrides upstreamURL in tests; empty in production
	enabled atomic.Bool
}

// New builds an Engine for region, drawing credentials from pool and sending
// over client (the shared utls/http2 transport).
func New(pool *credential.Pool, client *http.Client, region string) *Engine {
	e := &Engine{Pool: pool, Client: client, Region: region}
	e.enabled.Store(true)
	return e
}

// Disable flips the proxy-enabled flag off. Any call to Do currently inside
// consume (i.e. past the first successful upstream connect) notices within
// one cancelPoll tick (<=500ms), emits a terminal service_unavailable error
// frame, and tears the stream down.
func (e *Engine) Disable() {
	e.enabled.Store(false)
}

// Enable flips the proxy-enabled flag back on.
func (e *Engine) Enable() {
	e.enabled.Store(true)
}

// OverrideURLForTest points the engine at a test server instead of the real
// upstream. Exported so integration tests in other packages (e.g. server)
// can stand up an httptest.Server without touching production code paths.
func (e *Engine) OverrideURLForTest(url string) {
	e.testURL = url
}

func (e *Engine) maxRetries() int {
	n := e.Pool.Size() * 3
	if n > 9 {
		n = 9
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Sink receives rendered SSE frames during the streaming path. Emit returns
// an error on write/flush failure (typically a disconnected client), which
// aborts the attempt without charging the credential.
type Sink interface {
	Emit(frame string) error
}

// Do executes req end to end under conversationID (the upstream
// conversationId the caller supplies; the HTTP handler generates a fresh one
// per request). In streaming mode rendered SSE frames are sent
// to sink as they're produced; in both modes the final aggregate Message is
// returned (streaming callers may ignore it, non-streaming callers
// serialize it as the response body).
func (e *Engine) Do(ctx context.Context, req *translate.Request, conversationID string, sink Sink) (*transcode.Message, error) {
	upstream, err := translate.Translate(req, conversationID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream body: %w", err)
	}

	maxAttempts := e.maxRetries()
	var lastStatus int
	var lastBody string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cctx, err := e.Pool.AcquireContext(ctx)
		if err != nil {
			if lastStatus != 0 || lastBody != "" {
				return nil, &ExhaustedError{LastStatus: lastStatus, LastBody: lastBody}
			}
			return nil, err
		}

		resp, err := e.post(ctx, cctx, body, attempt, maxAttempts)
		if err != nil {
			slog.Warn("upstream transport error", "credential", cctx.ID, "attempt", attempt, "error", err)
			lastStatus = 0
			lastBody = err.Error()
			if !e.Pool.ReportFailure(cctx.ID, 0, err.Error()) {
				break
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			e.Pool.ReportSuccess(cctx.ID)
			msg, err := e.consume(ctx, resp.Body, req, sink)
			resp.Body.Close()
			return msg, err
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastStatus = resp.StatusCode
		lastBody = string(respBody)

		if resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimSpace(lastBody))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			continue // transient, not charged
		}
		if !e.Pool.ReportFailure(cctx.ID, resp.StatusCode, lastBody) {
			break
		}
	}

	return nil, &ExhaustedError{LastStatus: lastStatus, LastBody: lastBody}
}

func (e *Engine) upstreamURL() string {
	if e.testURL != "" {
		return e.testURL
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", e.Region)
}

func (e *Engine) post(ctx context.Context, cctx *credential.Context, body []byte, attempt, maxAttempts int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.upstreamURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	machineID, _ := credential.MachineID(cctx.Credential.RefreshToken)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	req.Header.Set("Authorization", "Bearer "+cctx.AccessToken)
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("amz-sdk-invocation-id", idgen.InvocationID())
	req.Header.Set("amz-sdk-request", fmt.Sprintf("attempt=%d; max=%d", attempt, maxAttempts))
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", kiroVersion, machineID))
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiroVersion, machineID))

	return e.Client.Do(req)
}

// consume decodes the upstream event stream body, drives the transcoder,
// and streams SSE frames to sink (no-op in non-streaming mode). It also
// owns the 25s keep-alive ping and the <=500ms client-disconnect sampling.
func (e *Engine) consume(ctx context.Context, body io.ReadCloser, req *translate.Request, sink Sink) (*transcode.Message, error) {
	tr := transcode.New(idgen.MessageID(), req.Model, req.ThinkingEnabled(), tokenestimate.Request(req), req.Stream)

	if err := emitAll(sink, tr.Initial()); err != nil {
		return nil, err
	}

	dec := eventstream.NewDecoder()
	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, readChunk)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	cancelCheck := time.NewTicker(cancelPoll)
	defer cancelCheck.Stop()

readLoop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break readLoop
			}
			dec.Feed(chunk)
			drainErr := dec.Drain(func(msg awseventstream.Message) error {
				ev, err := eventstream.FromMessage(msg)
				if err != nil {
					return nil // malformed payload for a known event type; skip it
				}
				return emitAll(sink, tr.Feed(ev))
			})
			if drainErr != nil && !errors.Is(drainErr, eventstream.ErrOverflow) {
				return nil, drainErr
			}
			ping.Reset(pingInterval)
		case <-ping.C:
			if err := emitAll(sink, []transcode.SSEEvent{transcode.PingEvent()}); err != nil {
				return nil, err
			}
		case <-cancelCheck.C:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !e.enabled.Load() {
				_ = emitAll(sink, []transcode.SSEEvent{transcode.ErrorEvent("service_unavailable", ErrProxyDisabled.Error())})
				return nil, ErrProxyDisabled
			}
		case err := <-readErr:
			return nil, err
		}
	}

	if err := emitAll(sink, tr.Finalize()); err != nil {
		return nil, err
	}
	msg := tr.Result()
	return &msg, nil
}

func emitAll(sink Sink, events []transcode.SSEEvent) error {
	if sink == nil {
		return nil
	}
	for _, ev := range events {
		if err := sink.Emit(ev.Render()); err != nil {
			return err
		}
	}
	return nil
}
