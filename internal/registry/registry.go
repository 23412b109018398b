// Package registry maps model selectors to backend handles.
//
// The table is copy-on-write: Resolve reads an immutable snapshot through an
// atomic pointer and Reload swaps in a fully validated replacement, so a
// request never observes a half-updated registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Set is the complete content of a registry.
type Set struct {
	Handles []backend.Handle
	Default string

	// Aliases maps alternative names to model ids.
	Aliases map[string]string

	// CapabilityDefaults picks the model used for a capability when the
	// request names none.
	CapabilityDefaults map[backend.Capability]string
}

type snapshot struct {
	handles   map[string]backend.Handle
	order     []string
	aliases   map[string]string
	defaultID string
	capDef    map[backend.Capability]string
}

// Registry is safe for concurrent use.
type Registry struct {
	cur atomic.Pointer[snapshot]
	log *slog.Logger
}

// New builds a registry from set. It fails when set is invalid.
func New(set Set, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log}
	if _, err := r.Reload(set); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates set and swaps it in atomically. It returns the handles of
// the previous table that are absent from the new one; the caller closes
// them once in-flight work has drained. On error the current table is kept.
func (r *Registry) Reload(set Set) ([]backend.Handle, error) {
	next, err := build(set)
	if err != nil {
		return nil, err
	}
	prev := r.cur.Swap(next)

	var removed []backend.Handle
	if prev != nil {
		for _, id := range prev.order {
			if h, ok := next.handles[id]; !ok || h != prev.handles[id] {
				removed = append(removed, prev.handles[id])
			}
		}
	}
	r.log.Info("registry_reloaded",
		slog.Int("models", len(next.order)),
		slog.String("default", next.defaultID),
		slog.Int("removed", len(removed)),
	)
	return removed, nil
}

func build(set Set) (*snapshot, error) {
	if len(set.Handles) == 0 {
		return nil, errors.New("registry: no models")
	}
	s := &snapshot{
		handles: make(map[string]backend.Handle, len(set.Handles)),
		aliases: make(map[string]string, len(set.Aliases)),
		capDef:  make(map[backend.Capability]string, len(set.CapabilityDefaults)),
	}
	for _, h := range set.Handles {
		id := h.ID()
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("registry: model with empty id")
		}
		if _, dup := s.handles[id]; dup {
			return nil, fmt.Errorf("registry: duplicate model id %q", id)
		}
		s.handles[id] = h
		s.order = append(s.order, id)
	}

	s.defaultID = set.Default
	if s.defaultID == "" {
		s.defaultID = s.order[0]
	}
	if _, ok := s.handles[s.defaultID]; !ok {
		return nil, fmt.Errorf("registry: default model %q is not registered", s.defaultID)
	}

	for alias, target := range set.Aliases {
		if _, clash := s.handles[alias]; clash {
			return nil, fmt.Errorf("registry: alias %q shadows a model id", alias)
		}
		if _, ok := s.handles[target]; !ok {
			return nil, fmt.Errorf("registry: alias %q points to unknown model %q", alias, target)
		}
		s.aliases[alias] = target
	}

	for c, id := range set.CapabilityDefaults {
		h, ok := s.handles[id]
		if !ok {
			return nil, fmt.Errorf("registry: default for %q is unknown model %q", c, id)
		}
		if !h.Capabilities().Has(c) {
			return nil, fmt.Errorf("registry: default for %q (%s) lacks that capability", c, id)
		}
		s.capDef[c] = id
	}
	return s, nil
}

// Resolve returns the handle for selector. An empty selector means the
// default model; unknown names fail with ModelNotFound.
func (r *Registry) Resolve(selector string) (backend.Handle, error) {
	s := r.cur.Load()
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return s.handles[s.defaultID], nil
	}
	if h, ok := s.handles[selector]; ok {
		return h, nil
	}
	if id, ok := s.aliases[selector]; ok {
		return s.handles[id], nil
	}
	return nil, apierr.New(apierr.CodeModelNotFound, "model %q not found", selector)
}

// DefaultID returns the id the empty selector resolves to.
func (r *Registry) DefaultID() string {
	return r.cur.Load().defaultID
}

// Default returns the default handle.
func (r *Registry) Default() backend.Handle {
	s := r.cur.Load()
	return s.handles[s.defaultID]
}

// DefaultFor returns the handle serving capability c when none is named:
// the configured capability default, else the global default when capable,
// else the first capable model in registration order.
func (r *Registry) DefaultFor(c backend.Capability) (backend.Handle, error) {
	s := r.cur.Load()
	if id, ok := s.capDef[c]; ok {
		return s.handles[id], nil
	}
	if h := s.handles[s.defaultID]; h.Capabilities().Has(c) {
		return h, nil
	}
	for _, id := range s.order {
		if h := s.handles[id]; h.Capabilities().Has(c) {
			return h, nil
		}
	}
	return nil, apierr.New(apierr.CodeModelNotFound, "no model provides %q", c)
}

// ForCapability lists every model providing c, in registration order.
func (r *Registry) ForCapability(c backend.Capability) []backend.Handle {
	s := r.cur.Load()
	var out []backend.Handle
	for _, id := range s.order {
		if h := s.handles[id]; h.Capabilities().Has(c) {
			out = append(out, h)
		}
	}
	return out
}

// Handles returns every handle in registration order.
func (r *Registry) Handles() []backend.Handle {
	s := r.cur.Load()
	out := make([]backend.Handle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handles[id])
	}
	return out
}

// Status returns a readiness snapshot of every model.
func (r *Registry) Status() []backend.Status {
	hs := r.Handles()
	out := make([]backend.Status, len(hs))
	for i, h := range hs {
		out[i] = h.Status()
	}
	return out
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	s := r.cur.Load()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// WarmUp readies every eager model in parallel. Failures are logged and
// joined into the returned error; they do not stop other models loading.
func (r *Registry) WarmUp(ctx context.Context) error {
	hs := r.Handles()
	var (
		g    errgroup.Group
		errs = make([]error, len(hs))
	)
	for i, h := range hs {
		if h.Status().LoadMode != backend.LoadEager {
			continue
		}
		g.Go(func() error {
			if err := h.EnsureReady(ctx); err != nil {
				r.log.Error("model_warmup_failed", slog.String("model_id", h.ID()), slog.String("error", err.Error()))
				errs[i] = fmt.Errorf("%s: %w", h.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
