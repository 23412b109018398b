package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// source yields the text of one stream.
type source interface {
	Next(ctx context.Context) (string, error)
	Entry() cache.Entry
	Close()
}

// Stream is an open streaming generation. The caller reads it with Next
// until io.EOF or an error and must Close it on every path; Close runs the
// release and audit steps.
type Stream struct {
	g   *Gateway
	c   *call
	ctx context.Context
	src source

	out       strings.Builder
	done      bool
	err       error
	closeOnce sync.Once
}

// OpenStream authenticates, admits and resolves the request and attaches it
// to the cache flight (or the backend directly when the cache is bypassed).
// Errors returned here happen before any output.
func (g *Gateway) OpenStream(ctx context.Context, credential string, req Request) (*Stream, error) {
	c := g.begin(req, RouteStream)
	caller, err := g.Authenticate(ctx, credential)
	if err != nil {
		g.finish(ctx, c, err)
		return nil, err
	}
	c.caller = caller

	if err := g.prepare(ctx, c, backend.CapStream); err != nil {
		g.finish(ctx, c, err)
		return nil, err
	}
	ctx = backend.WithRequestID(ctx, c.req.RequestID)

	s := &Stream{g: g, c: c, ctx: ctx}
	if c.bypass {
		src, err := g.openDirect(ctx, c)
		if err != nil {
			err = apierr.From(err)
			g.finish(ctx, c, err)
			return nil, err
		}
		s.src = src
		c.cacheStatus = CacheBypass
		return s, nil
	}

	sub, outcome := g.cache.Stream(ctx, c.key, g.streamCompute(c.handle, c.req.Prompt, c.params))
	s.src = sub
	c.cacheStatus = outcome.String()
	return s, nil
}

// RequestID returns the id assigned to the request.
func (s *Stream) RequestID() string { return s.c.req.RequestID }

// Model returns the resolved model id.
func (s *Stream) Model() string { return s.c.modelID }

// Next returns the next text delta. It returns io.EOF once the generation
// completed; Response is then valid.
func (s *Stream) Next(ctx context.Context) (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	for {
		chunk, err := s.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.done = true
			s.complete()
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			s.err = apierr.From(err)
			return "", s.err
		}
		if chunk == "" {
			continue
		}
		s.out.WriteString(chunk)
		return chunk, nil
	}
}

func (s *Stream) complete() {
	s.c.setResult(s.src.Entry())
	if sub, ok := s.src.(*cache.Subscription); ok && sub.Hit() {
		s.c.cacheStatus = CacheHit
	}
	s.g.bill(s.ctx, s.c)
}

// Response returns the final metadata after Next returned io.EOF.
func (s *Stream) Response() *Response { return s.c.response() }

// Close detaches from the generation and runs the release step. A stream
// closed before completion is recorded as canceled; text it already
// received from a computation it led is billed.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.src.Close()
		err := s.err
		if !s.done {
			err = apierr.ErrCanceled
		}
		if err != nil {
			s.c.output = s.out.String()
			s.c.usage = backend.Usage{
				PromptTokens:     backend.EstimateTokens(s.c.req.Prompt),
				CompletionTokens: backend.EstimateTokens(s.c.output),
			}
			if s.c.output != "" && (s.c.cacheStatus == CacheMiss || s.c.cacheStatus == CacheBypass) {
				s.g.bill(s.ctx, s.c)
			}
		}
		s.g.finish(s.ctx, s.c, err)
	})
}

func (g *Gateway) streamCompute(h backend.Handle, prompt string, p backend.Params) cache.ComputeFunc {
	return func(ctx context.Context, emit func(string)) (cache.Entry, error) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()

		ch, err := g.openStream(ctx, h, prompt, p)
		if err != nil {
			return cache.Entry{}, err
		}

		var (
			out    strings.Builder
			usage  *backend.Usage
			finish string
		)
		for c := range ch {
			if c.Err != nil {
				err := apierr.From(c.Err)
				g.record(h, err)
				return cache.Entry{}, err
			}
			if c.Usage != nil {
				usage = c.Usage
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Text != "" {
				out.WriteString(c.Text)
				if emit != nil {
					emit(c.Text)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			err := apierr.From(err)
			g.record(h, err)
			return cache.Entry{}, err
		}
		g.record(h, nil)
		return entryFrom(h.ID(), prompt, out.String(), finish, usage), nil
	}
}

// directSource reads a backend stream without the cache.
type directSource struct {
	g      *Gateway
	h      backend.Handle
	prompt string

	ctx    context.Context
	cancel context.CancelFunc
	ch     <-chan backend.Chunk

	out    strings.Builder
	usage  *backend.Usage
	finish string
}

func (g *Gateway) openDirect(ctx context.Context, c *call) (*directSource, error) {
	sctx, cancel := g.withTimeout(ctx)
	ch, err := g.openStream(sctx, c.handle, c.req.Prompt, c.params)
	if err != nil {
		cancel()
		return nil, err
	}
	return &directSource{
		g:      g,
		h:      c.handle,
		prompt: c.req.Prompt,
		ctx:    sctx,
		cancel: cancel,
		ch:     ch,
	}, nil
}

func (d *directSource) Next(ctx context.Context) (string, error) {
	for {
		select {
		case c, ok := <-d.ch:
			if !ok {
				if err := d.ctx.Err(); err != nil {
					err := apierr.From(err)
					d.g.record(d.h, err)
					return "", err
				}
				d.g.record(d.h, nil)
				return "", io.EOF
			}
			if c.Err != nil {
				err := apierr.From(c.Err)
				d.g.record(d.h, err)
				return "", err
			}
			if c.Usage != nil {
				d.usage = c.Usage
			}
			if c.FinishReason != "" {
				d.finish = c.FinishReason
			}
			if c.Text == "" {
				continue
			}
			d.out.WriteString(c.Text)
			return c.Text, nil
		case <-ctx.Done():
			return "", apierr.From(ctx.Err())
		}
	}
}

func (d *directSource) Entry() cache.Entry {
	return entryFrom(d.h.ID(), d.prompt, d.out.String(), d.finish, d.usage)
}

func (d *directSource) Close() { d.cancel() }
