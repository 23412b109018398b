package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Runtime is an in-process inference engine behind a Local handle.
type Runtime interface {
	// Load brings weights into memory. It is called at most once at a time.
	Load(ctx context.Context) error

	// Generate produces a completion, calling onToken for each decoded
	// fragment. A non-nil error from onToken stops generation and is
	// returned unchanged.
	Generate(ctx context.Context, prompt string, p Params, onToken func(string) error) (Result, error)

	Close() error
}

// ErrRuntimeGone is returned by a Runtime whose engine stopped after it was
// loaded. The handle goes back to not ready so the next EnsureReady reloads.
var ErrRuntimeGone = errors.New("backend: runtime is no longer running")

var errStopSequence = errors.New("stop sequence reached")

// LocalOptions configures a Local handle.
type LocalOptions struct {
	LoadMode     LoadMode
	Capabilities Capabilities
	LoadTimeout  time.Duration

	// MaxParallel bounds concurrent generations on this runtime. Zero means
	// unbounded.
	MaxParallel int

	// Stops are appended to every request's stop list.
	Stops []string

	Logger *slog.Logger
}

// Local is a Handle over an in-process Runtime.
type Local struct {
	id    string
	rt    Runtime
	opts  LocalOptions
	state *readiness
	slots chan struct{}
	log   *slog.Logger
}

// NewLocal returns a Local handle. Nothing is loaded until EnsureReady.
func NewLocal(id string, rt Runtime, opts LocalOptions) *Local {
	if opts.LoadMode == "" {
		opts.LoadMode = LoadLazy
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = DefaultCapabilities
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Minute
	}
	if opts.Stops == nil {
		opts.Stops = DefaultStops
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	initial := StateIdle
	if opts.LoadMode == LoadOff {
		initial = StateDisabled
	}
	l := &Local{
		id:    id,
		rt:    rt,
		opts:  opts,
		state: newReadiness(initial),
		log:   opts.Logger.With("model_id", id, "backend", KindLocal),
	}
	if opts.MaxParallel > 0 {
		l.slots = make(chan struct{}, opts.MaxParallel)
	}
	return l
}

func (l *Local) ID() string                 { return l.id }
func (l *Local) Kind() Kind                 { return KindLocal }
func (l *Local) Capabilities() Capabilities { return l.opts.Capabilities }

func (l *Local) Status() Status {
	st, detail := l.state.snapshot()
	return Status{
		ID:           l.id,
		Kind:         KindLocal,
		LoadMode:     l.opts.LoadMode,
		State:        st,
		Ready:        st == StateReady,
		Detail:       detail,
		Capabilities: l.opts.Capabilities,
	}
}

func (l *Local) EnsureReady(ctx context.Context) error {
	if l.opts.LoadMode == LoadOff {
		return apierr.New(apierr.CodeUnready, "model %s is disabled (load_mode=off)", l.id)
	}
	err := l.state.ensure(ctx, l.opts.LoadTimeout, func(lctx context.Context) error {
		start := time.Now()
		l.log.Info("model_load_start")
		if err := l.rt.Load(lctx); err != nil {
			l.log.Error("model_load_failed", "error", err)
			return err
		}
		l.log.Info("model_load_done", "duration_ms", time.Since(start).Milliseconds())
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Classify(l.id, ctx.Err())
		}
		return unready(l.id, err)
	}
	return nil
}

func (l *Local) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	if !l.state.ready() {
		return Result{}, unready(l.id, nil)
	}
	if err := l.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer l.release()

	p.Stop = mergeStops(p.Stop, l.opts.Stops)
	sc := newStopScanner(p.Stop)

	var text []byte
	res, err := l.rt.Generate(ctx, prompt, p, func(tok string) error {
		emit, stopped := sc.Push(tok)
		text = append(text, emit...)
		if stopped {
			return errStopSequence
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopSequence) {
		return Result{}, l.fail(err)
	}
	text = append(text, sc.Flush()...)

	finish := res.FinishReason
	if errors.Is(err, errStopSequence) || finish == "" {
		finish = "stop"
	}
	out := string(text)
	if out == "" && res.Text != "" {
		// Runtimes that do not stream deliver everything in the result.
		out, _ = TruncateAtStop(res.Text, p.Stop)
	}
	return Result{
		Text:         out,
		FinishReason: finish,
		Usage:        fillUsage(res.Usage, prompt, out),
	}, nil
}

func (l *Local) Stream(ctx context.Context, prompt string, p Params) (<-chan Chunk, error) {
	if !l.state.ready() {
		return nil, unready(l.id, nil)
	}
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}

	p.Stop = mergeStops(p.Stop, l.opts.Stops)
	ch := make(chan Chunk, 64)

	go func() {
		defer close(ch)
		defer l.release()
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("stream_panic", "panic", fmt.Sprint(r))
				send(ctx, ch, Chunk{Err: apierr.Wrap(apierr.CodeGenerationFailed,
					fmt.Errorf("panic: %v", r), "model "+l.id+" failed to generate")})
			}
		}()

		sc := newStopScanner(p.Stop)
		res, err := l.rt.Generate(ctx, prompt, p, func(tok string) error {
			emit, stopped := sc.Push(tok)
			if emit != "" {
				if !send(ctx, ch, Chunk{Text: emit}) {
					return ctx.Err()
				}
			}
			if stopped {
				return errStopSequence
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopSequence) {
			send(ctx, ch, Chunk{Err: l.fail(err)})
			return
		}
		if rest := sc.Flush(); rest != "" {
			if !send(ctx, ch, Chunk{Text: rest}) {
				return
			}
		}
		finish := res.FinishReason
		if errors.Is(err, errStopSequence) || finish == "" {
			finish = "stop"
		}
		final := Chunk{FinishReason: finish}
		if res.Usage.CompletionTokens > 0 {
			u := res.Usage
			final.Usage = &u
		}
		send(ctx, ch, final)
	}()

	return ch, nil
}

func (l *Local) Close() error {
	l.state.set(StateIdle, "closed")
	return l.rt.Close()
}

func (l *Local) fail(err error) error {
	if errors.Is(err, ErrRuntimeGone) {
		l.state.reset(err)
		return unready(l.id, err)
	}
	return Classify(l.id, err)
}

func (l *Local) acquire(ctx context.Context) error {
	if l.slots == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return Classify(l.id, ctx.Err())
	}
}

func (l *Local) release() {
	if l.slots != nil {
		<-l.slots
	}
}
