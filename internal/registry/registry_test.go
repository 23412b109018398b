package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func echo(id string, caps ...backend.Capability) backend.Handle {
	return backend.NewLocal(id, &backend.EchoRuntime{}, backend.LocalOptions{Capabilities: caps})
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := New(Set{
		Handles: []backend.Handle{echo("tiny"), echo("big")},
		Default: "tiny",
		Aliases: map[string]string{"small": "tiny"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		selector string
		want     string
	}{
		{"", "tiny"},
		{"  ", "tiny"},
		{"big", "big"},
		{"small", "tiny"},
	}
	for _, tc := range cases {
		h, err := r.Resolve(tc.selector)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.selector, err)
		}
		if h.ID() != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.selector, h.ID(), tc.want)
		}
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, apierr.ErrModelNotFound) {
		t.Errorf("unknown selector err = %v", err)
	}
}

func TestRegistry_ReloadValidation(t *testing.T) {
	cases := []struct {
		name string
		set  Set
	}{
		{"empty", Set{}},
		{"unknown default", Set{Handles: []backend.Handle{echo("a")}, Default: "b"}},
		{"duplicate", Set{Handles: []backend.Handle{echo("a"), echo("a")}}},
		{"alias to unknown", Set{Handles: []backend.Handle{echo("a")}, Aliases: map[string]string{"x": "b"}}},
		{"alias shadows id", Set{Handles: []backend.Handle{echo("a"), echo("b")}, Aliases: map[string]string{"b": "a"}}},
		{"capability default lacks capability", Set{
			Handles:            []backend.Handle{echo("a", backend.CapGenerate)},
			CapabilityDefaults: map[backend.Capability]string{backend.CapExtract: "a"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.set, nil); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegistry_FailedReloadKeepsCurrent(t *testing.T) {
	r, err := New(Set{Handles: []backend.Handle{echo("a")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reload(Set{Handles: []backend.Handle{echo("b")}, Default: "nope"}); err == nil {
		t.Fatal("expected error")
	}
	if r.DefaultID() != "a" {
		t.Errorf("default = %s after failed reload", r.DefaultID())
	}
}

func TestRegistry_ReloadReturnsRemoved(t *testing.T) {
	a, b := echo("a"), echo("b")
	r, _ := New(Set{Handles: []backend.Handle{a, b}}, nil)

	removed, err := r.Reload(Set{Handles: []backend.Handle{a, echo("c")}, Default: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != b {
		t.Errorf("removed = %v", removed)
	}
	if r.DefaultID() != "c" {
		t.Errorf("default = %s", r.DefaultID())
	}
}

func TestRegistry_ConcurrentResolveDuringReload(t *testing.T) {
	setA := Set{Handles: []backend.Handle{echo("x"), echo("a")}, Default: "a"}
	setB := Set{Handles: []backend.Handle{echo("x"), echo("b")}, Default: "b"}
	r, _ := New(setA, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h, err := r.Resolve("")
				if err != nil {
					t.Errorf("default must always resolve: %v", err)
					return
				}
				if id := h.ID(); id != "a" && id != "b" {
					t.Errorf("unexpected default %s", id)
					return
				}
				if _, err := r.Resolve("x"); err != nil {
					t.Errorf("model present in both sets failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		set := setA
		if i%2 == 0 {
			set = setB
		}
		if _, err := r.Reload(set); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_Capabilities(t *testing.T) {
	r, err := New(Set{
		Handles: []backend.Handle{
			echo("chat", backend.CapGenerate, backend.CapStream),
			echo("ext1", backend.CapGenerate, backend.CapExtract),
			echo("ext2", backend.CapExtract),
		},
		Default: "chat",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	h, err := r.DefaultFor(backend.CapExtract)
	if err != nil || h.ID() != "ext1" {
		t.Fatalf("DefaultFor(extract) = %v, %v", h, err)
	}
	if got := r.ForCapability(backend.CapExtract); len(got) != 2 {
		t.Errorf("ForCapability(extract) = %d handles", len(got))
	}
	h, _ = r.DefaultFor(backend.CapGenerate)
	if h.ID() != "chat" {
		t.Errorf("DefaultFor(generate) = %s", h.ID())
	}

	_, _ = r.Reload(Set{
		Handles:            r.Handles(),
		Default:            "chat",
		CapabilityDefaults: map[backend.Capability]string{backend.CapExtract: "ext2"},
	})
	h, _ = r.DefaultFor(backend.CapExtract)
	if h.ID() != "ext2" {
		t.Errorf("configured capability default ignored: %s", h.ID())
	}
}

func TestRegistry_WarmUpLoadsEagerOnly(t *testing.T) {
	eager := backend.NewLocal("eager", &backend.EchoRuntime{}, backend.LocalOptions{LoadMode: backend.LoadEager})
	lazy := backend.NewLocal("lazy", &backend.EchoRuntime{}, backend.LocalOptions{LoadMode: backend.LoadLazy})
	r, _ := New(Set{Handles: []backend.Handle{eager, lazy}}, nil)

	if err := r.WarmUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !eager.Status().Ready {
		t.Error("eager model should be ready")
	}
	if lazy.Status().Ready {
		t.Error("lazy model should not be loaded by warm-up")
	}
}
