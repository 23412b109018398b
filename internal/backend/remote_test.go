package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/native"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// stubClient is an in-memory providers.Client.
type stubClient struct {
	healthErr error
	genErr    error
	probes    atomic.Int32
	calls     atomic.Int32
	lastReq   atomic.Pointer[providers.Request]
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) HealthCheck(ctx context.Context) error {
	s.probes.Add(1)
	return s.healthErr
}

func (s *stubClient) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	s.calls.Add(1)
	s.lastReq.Store(req)
	if s.genErr != nil {
		return nil, s.genErr
	}
	return &providers.Response{Content: "echo: " + req.Prompt + "###tail", FinishReason: "stop",
		Usage: providers.Usage{InputTokens: 3, OutputTokens: 4}}, nil
}

func (s *stubClient) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 4)
	go func() {
		defer close(ch)
		for _, p := range []string{"a", "b"} {
			if !providers.Send(ctx, ch, providers.StreamChunk{Content: p}) {
				return
			}
		}
		if s.genErr != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: s.genErr})
			return
		}
		providers.Send(ctx, ch, providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{InputTokens: 1, OutputTokens: 2}})
	}()
	return ch, nil
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestRemote_ProbeThenGenerate(t *testing.T) {
	sc := &stubClient{}
	r := NewRemote("big", sc, RemoteOptions{UpstreamModel: "upstream-big"})

	if _, err := r.Generate(context.Background(), "hi", Params{}); !errors.Is(err, apierr.ErrUnready) {
		t.Fatalf("expected unready before probe, got %v", err)
	}
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	ctx := WithRequestID(context.Background(), "req-9")
	res, err := r.Generate(ctx, "hi", Params{MaxNewTokens: 8, Stop: []string{"###"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "echo: hi" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage.PromptTokens != 3 || res.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
	req := sc.lastReq.Load()
	if req.Model != "upstream-big" || req.RequestID != "req-9" || req.MaxTokens != 8 {
		t.Errorf("forwarded request = %+v", req)
	}
}

func TestRemote_ProbeFailureIsUnavailable(t *testing.T) {
	sc := &stubClient{healthErr: errors.New("connection refused")}
	r := NewRemote("big", sc, RemoteOptions{})
	err := r.EnsureReady(context.Background())
	if !errors.Is(err, apierr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if r.Status().State != StateFailed {
		t.Errorf("state = %s", r.Status().State)
	}
}

func TestRemote_UnavailableMarksNotReady(t *testing.T) {
	sc := &stubClient{genErr: statusErr(http.StatusServiceUnavailable)}
	r := NewRemote("big", sc, RemoteOptions{})
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := r.Generate(context.Background(), "hi", Params{})
	if !errors.Is(err, apierr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if r.Status().Ready {
		t.Error("remote should be marked not ready after unavailable")
	}

	sc.genErr = nil
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sc.probes.Load() != 2 {
		t.Errorf("probes = %d, want 2", sc.probes.Load())
	}
}

func TestRemote_Stream(t *testing.T) {
	sc := &stubClient{}
	r := NewRemote("big", sc, RemoteOptions{})
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, err := r.Stream(context.Background(), "p", Params{})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	var usage *Usage
	for c := range ch {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		text += c.Text
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if text != "ab" || usage == nil || usage.CompletionTokens != 2 {
		t.Errorf("text = %q usage = %+v", text, usage)
	}
}

func TestRemote_StreamErrorIsClassified(t *testing.T) {
	sc := &stubClient{genErr: statusErr(http.StatusInternalServerError)}
	r := NewRemote("big", sc, RemoteOptions{})
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, _ := r.Stream(context.Background(), "p", Params{})
	var last Chunk
	for c := range ch {
		last = c
	}
	if !errors.Is(last.Err, apierr.ErrGenerationFailed) {
		t.Fatalf("last err = %v", last.Err)
	}
}

func TestRemote_NativeServerCancel(t *testing.T) {
	started := make(chan struct{})
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			fmt.Fprint(w, `{"status":"ok"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"x\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
		close(gone)
	}))
	defer srv.Close()

	r := NewRemote("n", native.New(srv.URL), RemoteOptions{})
	if err := r.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Stream(ctx, "p", Params{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancel()

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not closed after cancel")
	}
	for range ch {
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *apierr.Error
	}{
		{"deadline", context.DeadlineExceeded, apierr.ErrTimeout},
		{"canceled", context.Canceled, apierr.ErrCanceled},
		{"504", statusErr(504), apierr.ErrTimeout},
		{"408", statusErr(408), apierr.ErrTimeout},
		{"503", statusErr(503), apierr.ErrUnavailable},
		{"429", statusErr(429), apierr.ErrUnavailable},
		{"400", statusErr(400), apierr.ErrGenerationFailed},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, apierr.ErrUnavailable},
		{"other", errors.New("boom"), apierr.ErrGenerationFailed},
		{"already classified", apierr.ErrUnready, apierr.ErrUnready},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify("m", tc.err)
			if !errors.Is(got, tc.want) {
				t.Errorf("Classify(%v) = %v, want code %s", tc.err, got, tc.want.Code)
			}
		})
	}
}
