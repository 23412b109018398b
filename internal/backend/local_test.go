package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// fakeRuntime emits fixed tokens and counts loads.
type fakeRuntime struct {
	tokens    []string
	loads     atomic.Int32
	loadDelay time.Duration
	loadErr   error
	genErr    error
	tokenWait chan struct{} // when set, each token waits for a receive
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeRuntime) Load(ctx context.Context) error {
	f.loads.Add(1)
	if err := sleepCtx(ctx, f.loadDelay); err != nil {
		return err
	}
	return f.loadErr
}

func (f *fakeRuntime) Generate(ctx context.Context, prompt string, p Params, onToken func(string) error) (Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.genErr != nil {
		return Result{}, f.genErr
	}
	for _, tok := range f.tokens {
		if f.tokenWait != nil {
			select {
			case <-f.tokenWait:
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
		if err := onToken(tok); err != nil {
			return Result{}, err
		}
	}
	return Result{FinishReason: "length"}, nil
}

func (f *fakeRuntime) Close() error { return nil }

func TestLocal_GenerateBeforeReadyIsUnready(t *testing.T) {
	l := NewLocal("tiny", &fakeRuntime{tokens: []string{"a"}}, LocalOptions{})
	_, err := l.Generate(context.Background(), "hi", Params{})
	if !errors.Is(err, apierr.ErrUnready) {
		t.Fatalf("expected unready, got %v", err)
	}
}

func TestLocal_EnsureReadyDeduplicated(t *testing.T) {
	rt := &fakeRuntime{loadDelay: 50 * time.Millisecond}
	l := NewLocal("tiny", rt, LocalOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.EnsureReady(context.Background()); err != nil {
				t.Errorf("EnsureReady: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := rt.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	if !l.Status().Ready {
		t.Error("expected ready status")
	}
	// Idempotent once ready.
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rt.loads.Load(); got != 1 {
		t.Errorf("loads after second ensure = %d", got)
	}
}

func TestLocal_LoadFailureIsUnreadyAndRetried(t *testing.T) {
	rt := &fakeRuntime{loadErr: errors.New("weights missing")}
	l := NewLocal("tiny", rt, LocalOptions{})

	err := l.EnsureReady(context.Background())
	if !errors.Is(err, apierr.ErrUnready) {
		t.Fatalf("expected unready, got %v", err)
	}
	if st := l.Status(); st.State != StateFailed || !strings.Contains(st.Detail, "weights missing") {
		t.Errorf("status = %+v", st)
	}

	rt.loadErr = nil
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if rt.loads.Load() != 2 {
		t.Errorf("loads = %d, want 2", rt.loads.Load())
	}
}

func TestLocal_LoadModeOff(t *testing.T) {
	rt := &fakeRuntime{}
	l := NewLocal("tiny", rt, LocalOptions{LoadMode: LoadOff})
	if err := l.EnsureReady(context.Background()); !errors.Is(err, apierr.ErrUnready) {
		t.Fatalf("expected unready, got %v", err)
	}
	if rt.loads.Load() != 0 {
		t.Error("load_mode=off must never load")
	}
	if l.Status().State != StateDisabled {
		t.Errorf("state = %s", l.Status().State)
	}
}

func TestLocal_GenerateAppliesDefaultStops(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"Sure", ", here", "\nUs", "er: next"}}
	l := NewLocal("tiny", rt, LocalOptions{})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := l.Generate(context.Background(), "question", Params{MaxNewTokens: 10})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Sure, here" {
		t.Errorf("text = %q", res.Text)
	}
	if res.FinishReason != "stop" {
		t.Errorf("finish = %q", res.FinishReason)
	}
	if res.Usage.PromptTokens == 0 || res.Usage.CompletionTokens == 0 {
		t.Errorf("usage not estimated: %+v", res.Usage)
	}
}

func TestLocal_StreamYieldsChunksThenCloses(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"one", " two", " three"}}
	l := NewLocal("tiny", rt, LocalOptions{Stops: []string{}})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, err := l.Stream(context.Background(), "count", Params{})
	if err != nil {
		t.Fatal(err)
	}
	var text, finish string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		text += c.Text
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text != "one two three" {
		t.Errorf("text = %q", text)
	}
	if finish != "length" {
		t.Errorf("finish = %q", finish)
	}
}

func TestLocal_ShortOrEmptyStops(t *testing.T) {
	cases := []struct {
		name   string
		stops  []string
		params []string
		want   string
	}{
		{"empty list", []string{}, nil, "one\ntwo"},
		{"one char model stop", []string{"\n"}, nil, "one"},
		{"one char caller stop", []string{}, []string{"\n"}, "one"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := &fakeRuntime{tokens: []string{"o", "ne", "\ntw", "o"}}
			l := NewLocal("tiny", rt, LocalOptions{Stops: tc.stops})
			if err := l.EnsureReady(context.Background()); err != nil {
				t.Fatal(err)
			}

			res, err := l.Generate(context.Background(), "hi", Params{Stop: tc.params})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if res.Text != tc.want {
				t.Errorf("Generate text = %q, want %q", res.Text, tc.want)
			}

			ch, err := l.Stream(context.Background(), "hi", Params{Stop: tc.params})
			if err != nil {
				t.Fatal(err)
			}
			var text string
			for c := range ch {
				if c.Err != nil {
					t.Fatalf("chunk error: %v", c.Err)
				}
				text += c.Text
			}
			if text != tc.want {
				t.Errorf("Stream text = %q, want %q", text, tc.want)
			}
		})
	}
}

func TestLocal_StreamCancelStopsRuntime(t *testing.T) {
	rt := &fakeRuntime{
		tokens:    []string{"a", "b", "c", "d"},
		tokenWait: make(chan struct{}),
	}
	l := NewLocal("tiny", rt, LocalOptions{MaxParallel: 1})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := l.Stream(ctx, "x", Params{})
	if err != nil {
		t.Fatal(err)
	}
	rt.tokenWait <- struct{}{}
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancel")
	}

	// The parallel slot must have been returned.
	rt.tokens = []string{"ok"}
	rt.tokenWait = nil
	res, err := l.Generate(context.Background(), "x", Params{})
	if err != nil || res.Text != "ok" {
		t.Fatalf("Generate after cancel = %q, %v", res.Text, err)
	}
}

func TestLocal_MaxParallel(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"x"}, tokenWait: make(chan struct{})}
	l := NewLocal("tiny", rt, LocalOptions{MaxParallel: 2})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Generate(context.Background(), "p", Params{})
		}()
	}
	for i := 0; i < 5; i++ {
		rt.tokenWait <- struct{}{}
	}
	wg.Wait()

	if got := rt.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent generations = %d, want <= 2", got)
	}
}

func TestLocal_RuntimeGoneResetsReadiness(t *testing.T) {
	rt := &fakeRuntime{genErr: ErrRuntimeGone}
	l := NewLocal("tiny", rt, LocalOptions{})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := l.Generate(context.Background(), "p", Params{})
	if !errors.Is(err, apierr.ErrUnready) {
		t.Fatalf("expected unready, got %v", err)
	}
	if l.Status().Ready {
		t.Error("handle should no longer be ready")
	}
}

func TestEchoRuntime(t *testing.T) {
	l := NewLocal("echo", &EchoRuntime{}, LocalOptions{})
	if err := l.EnsureReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := l.Generate(context.Background(), "the quick brown fox", Params{MaxNewTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "the quick brown" || res.FinishReason != "length" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.CompletionTokens != 3 {
		t.Errorf("completion tokens = %d", res.Usage.CompletionTokens)
	}
}
