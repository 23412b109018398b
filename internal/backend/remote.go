package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// RemoteOptions configures a Remote handle.
type RemoteOptions struct {
	// UpstreamModel is the model name sent to the service. Defaults to the
	// handle id.
	UpstreamModel string

	LoadMode     LoadMode
	Capabilities Capabilities
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

// Remote is a Handle over a model served by another process.
type Remote struct {
	id     string
	client providers.Client
	opts   RemoteOptions
	state  *readiness
	log    *slog.Logger
}

func NewRemote(id string, client providers.Client, opts RemoteOptions) *Remote {
	if opts.UpstreamModel == "" {
		opts.UpstreamModel = id
	}
	if opts.LoadMode == "" {
		opts.LoadMode = LoadLazy
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = DefaultCapabilities
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = providers.HealthTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	initial := StateIdle
	if opts.LoadMode == LoadOff {
		initial = StateDisabled
	}
	return &Remote{
		id:     id,
		client: client,
		opts:   opts,
		state:  newReadiness(initial),
		log:    opts.Logger.With("model_id", id, "backend", KindRemote, "protocol", client.Name()),
	}
}

func (r *Remote) ID() string                 { return r.id }
func (r *Remote) Kind() Kind                 { return KindRemote }
func (r *Remote) Capabilities() Capabilities { return r.opts.Capabilities }

// Protocol returns the name of the wire protocol client.
func (r *Remote) Protocol() string { return r.client.Name() }

func (r *Remote) Status() Status {
	st, detail := r.state.snapshot()
	return Status{
		ID:           r.id,
		Kind:         KindRemote,
		LoadMode:     r.opts.LoadMode,
		State:        st,
		Ready:        st == StateReady,
		Detail:       detail,
		Capabilities: r.opts.Capabilities,
	}
}

// EnsureReady probes the service. A failed probe is Unavailable.
func (r *Remote) EnsureReady(ctx context.Context) error {
	if r.opts.LoadMode == LoadOff {
		return apierr.New(apierr.CodeUnready, "model %s is disabled (load_mode=off)", r.id)
	}
	err := r.state.ensure(ctx, r.opts.ProbeTimeout, func(pctx context.Context) error {
		if err := r.client.HealthCheck(pctx); err != nil {
			r.log.Warn("remote_probe_failed", "error", err)
			return err
		}
		r.log.Info("remote_ready")
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return Classify(r.id, ctx.Err())
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apierr.Wrap(apierr.CodeUnavailable, err, "model "+r.id+" is unreachable")
}

func (r *Remote) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	if !r.state.ready() {
		return Result{}, unready(r.id, nil)
	}
	resp, err := r.client.Generate(ctx, r.request(ctx, prompt, p))
	if err != nil {
		return Result{}, r.fail(err)
	}

	text := resp.Content
	if cut, ok := TruncateAtStop(text, p.Stop); ok {
		text = cut
	}
	return Result{
		Text:         text,
		FinishReason: resp.FinishReason,
		Usage: fillUsage(Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}, prompt, text),
	}, nil
}

func (r *Remote) Stream(ctx context.Context, prompt string, p Params) (<-chan Chunk, error) {
	if !r.state.ready() {
		return nil, unready(r.id, nil)
	}
	in, err := r.client.Stream(ctx, r.request(ctx, prompt, p))
	if err != nil {
		return nil, r.fail(err)
	}

	out := make(chan Chunk, providers.StreamBuffer)
	go func() {
		defer close(out)
		for c := range in {
			if c.Err != nil {
				send(ctx, out, Chunk{Err: r.fail(c.Err)})
				return
			}
			chunk := Chunk{Text: c.Content, FinishReason: c.FinishReason}
			if c.Usage != nil {
				chunk.Usage = &Usage{PromptTokens: c.Usage.InputTokens, CompletionTokens: c.Usage.OutputTokens}
			}
			if chunk.Text == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !send(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}

func (r *Remote) Close() error {
	r.state.set(StateIdle, "closed")
	return nil
}

func (r *Remote) request(ctx context.Context, prompt string, p Params) *providers.Request {
	return &providers.Request{
		Model:       r.opts.UpstreamModel,
		Prompt:      prompt,
		MaxTokens:   p.MaxNewTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		Stop:        p.Stop,
		RequestID:   RequestIDFrom(ctx),
	}
}

// fail classifies err and marks the handle not ready when the service is
// unreachable, so the next request probes it again.
func (r *Remote) fail(err error) error {
	cerr := Classify(r.id, err)
	if apierr.CodeOf(cerr) == apierr.CodeUnavailable {
		r.state.reset(err)
		r.log.Warn("remote_marked_unready", "error", err)
	}
	return cerr
}

type requestIDKey struct{}

// WithRequestID attaches the gateway request id so remote calls can forward it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id attached by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
