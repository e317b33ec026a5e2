package retry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	awseventstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/yansir/kiroproxy/internal/credential"
	"github.com/yansir/kiroproxy/internal/translate"
)

type fakeRefresher struct{}

func (fakeRefresher) Refresh(ctx context.Context, cred credential.Credential) (credential.Credential, error) {
	cred.AccessToken = "tok"
	cred.ExpiresAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	return cred, nil
}

func (fakeRefresher) FetchUsage(ctx context.Context, cred credential.Credential) (credential.Metadata, error) {
	return credential.Metadata{}, nil
}

func freshCred(id uint64, token string) credential.Credential {
	return credential.Credential{
		ID:           id,
		RefreshToken: token,
		AuthMethod:   credential.AuthSocial,
		AccessToken:  "tok",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
}

func encodeFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	msg := awseventstream.Message{
		Headers: awseventstream.Headers{
			{Name: ":event-type", Value: awseventstream.StringValue("assistantResponseEvent")},
		},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := awseventstream.NewEncoder().Encode(&buf, msg); err != nil {
		t.Fatalf("encode fixture frame: %v", err)
	}
	return buf.Bytes()
}

type recordingSink struct {
	frames []string
}

func (s *recordingSink) Emit(frame string) error {
	s.frames = append(s.frames, frame)
	return nil
}

func basicRequest() *translate.Request {
	return &translate.Request{
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []translate.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}
}

func poolWithToken(t *testing.T, token string) *credential.Pool {
	t.Helper()
	p := credential.New(fakeRefresher{}, nil)
	if err := p.Load([]credential.Credential{freshCred(1, token)}); err != nil {
		t.Fatalf("load pool: %v", err)
	}
	return p
}

func TestDoHappyPathStreamsFrames(t *testing.T) {
	frame := encodeFrame(t, []byte(`{"content":"hi there"}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(frame)
	}))
	defer srv.Close()

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)

	sink := &recordingSink{}
	msg, err := eng.Do(context.Background(), basicRequest(), "conv-1", sink)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if msg.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", msg.StopReason)
	}
	foundDelta := false
	for _, f := range sink.frames {
		if containsAll(f, "content_block_delta", "hi there") {
			foundDelta = true
		}
	}
	if !foundDelta {
		t.Errorf("expected a content_block_delta frame carrying the text, got %v", sink.frames)
	}
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	frame := encodeFrame(t, []byte(`{"content":"ok"}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(frame)
	}))
	defer srv.Close()

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)

	_, err := eng.Do(context.Background(), basicRequest(), "conv-1", &recordingSink{})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one 429 then success)", calls)
	}
}

func TestDoBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad shape"}`))
	}))
	defer srv.Close()

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)

	_, err := eng.Do(context.Background(), basicRequest(), "conv-1", &recordingSink{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (400 must not be retried)", calls)
	}
}

func TestDoExhaustsAfterPersistentFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)

	_, err := eng.Do(context.Background(), basicRequest(), "conv-1", &recordingSink{})
	if err == nil {
		t.Fatal("expected ExhaustedError")
	}
	var exhausted *ExhaustedError
	if !asExhausted(err, &exhausted) {
		t.Fatalf("got %v, want *ExhaustedError", err)
	}
}

func TestDisableMidStreamEmitsServiceUnavailable(t *testing.T) {
	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		<-blockCh
	}))
	defer srv.Close()

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		_, err := eng.Do(context.Background(), basicRequest(), "conv-1", sink)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	eng.Disable()

	err := <-done
	close(blockCh)
	if !errors.Is(err, ErrProxyDisabled) {
		t.Fatalf("err = %v, want ErrProxyDisabled", err)
	}
	found := false
	for _, f := range sink.frames {
		if containsAll(f, "event: error", "service_unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a service_unavailable error frame, got %v", sink.frames)
	}
}

func TestDoDisabledBeforeStreamStartsStillSurfacesOnFirstPoll(t *testing.T) {
	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-blockCh
	}))
	defer srv.Close()
	defer close(blockCh)

	p := poolWithToken(t, "refresh-token-0123456789-0123456789-0123456789-0123456789")
	eng := New(p, srv.Client(), "us-east-1")
	eng.OverrideURLForTest(srv.URL)
	eng.Disable()

	sink := &recordingSink{}
	_, err := eng.Do(context.Background(), basicRequest(), "conv-1", sink)
	if !errors.Is(err, ErrProxyDisabled) {
		t.Fatalf("err = %v, want ErrProxyDisabled", err)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !bytes.Contains([]byte(s), []byte(sub)) {
			return false
		}
	}
	return true
}

func asExhausted(err error, target **ExhaustedError) bool {
	if e, ok := err.(*ExhaustedError); ok {
		*target = e
		return true
	}
	return false
}
