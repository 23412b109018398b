package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	"github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/inference-gateway/internal/providers/native"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
)

// File is the models.yaml document.
//
//	default: tiny
//	aliases: {small: tiny}
//	defaults: {extract: big}
//	models:
//	  - id: tiny
//	    backend: local
//	    runtime: llama-server
//	    model_path: /models/tiny.gguf
//	    load_mode: eager
//	  - id: big
//	    backend: remote
//	    protocol: openai
//	    base_url: http://vllm:8000/v1
//	    api_key_env: BIG_API_KEY
type File struct {
	Default  string            `yaml:"default"`
	Aliases  map[string]string `yaml:"aliases"`
	Defaults map[string]string `yaml:"defaults"`
	Models   []ModelSpec       `yaml:"models"`
}

// ModelSpec describes one model.
type ModelSpec struct {
	ID           string   `yaml:"id"`
	Backend      string   `yaml:"backend"` // local | remote
	LoadMode     string   `yaml:"load_mode"`
	Capabilities []string `yaml:"capabilities"`

	// Local.
	Runtime     string   `yaml:"runtime"` // llama-server | echo
	Binary      string   `yaml:"binary"`
	ModelPath   string   `yaml:"model_path"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CtxSize     int      `yaml:"ctx_size"`
	GPULayers   int      `yaml:"gpu_layers"`
	Threads     int      `yaml:"threads"`
	Args        []string `yaml:"args"`
	MaxParallel int      `yaml:"max_parallel"`
	Stops       []string `yaml:"stops"`

	// Remote.
	Protocol      string `yaml:"protocol"` // native | openai | anthropic | gemini | vertex
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	UpstreamModel string `yaml:"upstream_model"`
	Project       string `yaml:"project"`
	Location      string `yaml:"location"`
}

// LoadFile reads and validates a models file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a models document.
func Parse(raw []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("registry: parse models: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if len(f.Models) == 0 {
		return errors.New("registry: models file lists no models")
	}
	for i, m := range f.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("registry: models[%d]: id is required", i)
		}
		switch m.LoadMode {
		case "", string(backend.LoadEager), string(backend.LoadLazy), string(backend.LoadOff):
		default:
			return fmt.Errorf("registry: %s: unknown load_mode %q", m.ID, m.LoadMode)
		}
		switch m.Backend {
		case "local":
			switch m.Runtime {
			case "", "llama-server":
				if m.ModelPath == "" {
					return fmt.Errorf("registry: %s: model_path is required for llama-server", m.ID)
				}
			case "echo":
			default:
				return fmt.Errorf("registry: %s: unknown runtime %q", m.ID, m.Runtime)
			}
		case "remote":
			switch m.Protocol {
			case "native", "openai", "anthropic":
				if m.Protocol != "anthropic" && m.BaseURL == "" {
					return fmt.Errorf("registry: %s: base_url is required for protocol %s", m.ID, m.Protocol)
				}
			case "gemini":
			case "vertex":
				if m.Project == "" {
					return fmt.Errorf("registry: %s: project is required for vertex", m.ID)
				}
			default:
				return fmt.Errorf("registry: %s: unknown protocol %q", m.ID, m.Protocol)
			}
		default:
			return fmt.Errorf("registry: %s: backend must be local or remote, got %q", m.ID, m.Backend)
		}
	}
	return nil
}

// BuildOptions carries settings shared by every handle built from a file.
type BuildOptions struct {
	LoadTimeout  time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger

	// Getenv resolves api_key_env. Defaults to os.Getenv.
	Getenv func(string) string
}

// Build constructs handles for every model in f. Nothing is loaded or probed.
func Build(ctx context.Context, f *File, opts BuildOptions) (Set, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	set := Set{
		Default:            f.Default,
		Aliases:            f.Aliases,
		CapabilityDefaults: make(map[backend.Capability]string, len(f.Defaults)),
	}
	for c, id := range f.Defaults {
		set.CapabilityDefaults[backend.Capability(c)] = id
	}

	for _, m := range f.Models {
		h, err := buildHandle(ctx, m, opts)
		if err != nil {
			for _, built := range set.Handles {
				_ = built.Close()
			}
			return Set{}, err
		}
		set.Handles = append(set.Handles, h)
	}
	return set, nil
}

func buildHandle(ctx context.Context, m ModelSpec, opts BuildOptions) (backend.Handle, error) {
	caps := backend.ParseCapabilities(m.Capabilities)
	mode := backend.LoadMode(m.LoadMode)

	if m.Backend == "local" {
		var rt backend.Runtime
		switch m.Runtime {
		case "echo":
			rt = &backend.EchoRuntime{}
		default:
			rt = backend.NewLlamaServer(backend.LlamaServerConfig{
				Binary:    m.Binary,
				ModelPath: m.ModelPath,
				Host:      m.Host,
				Port:      m.Port,
				CtxSize:   m.CtxSize,
				GPULayers: m.GPULayers,
				Threads:   m.Threads,
				ExtraArgs: m.Args,
				Logger:    opts.Logger,
			})
		}
		return backend.NewLocal(m.ID, rt, backend.LocalOptions{
			LoadMode:     mode,
			Capabilities: caps,
			LoadTimeout:  opts.LoadTimeout,
			MaxParallel:  m.MaxParallel,
			Stops:        m.Stops,
			Logger:       opts.Logger,
		}), nil
	}

	client, err := buildClient(ctx, m, opts)
	if err != nil {
		return nil, err
	}
	return backend.NewRemote(m.ID, client, backend.RemoteOptions{
		UpstreamModel: m.UpstreamModel,
		LoadMode:      mode,
		Capabilities:  caps,
		ProbeTimeout:  opts.ProbeTimeout,
		Logger:        opts.Logger,
	}), nil
}

func buildClient(ctx context.Context, m ModelSpec, opts BuildOptions) (providers.Client, error) {
	apiKey := ""
	if m.APIKeyEnv != "" {
		apiKey = opts.Getenv(m.APIKeyEnv)
	}

	switch m.Protocol {
	case "native":
		return native.New(m.BaseURL, native.WithAPIKey(apiKey)), nil
	case "openai":
		return openai.New(apiKey, openai.WithBaseURL(m.BaseURL)), nil
	case "anthropic":
		var o []anthropic.Option
		if m.BaseURL != "" {
			o = append(o, anthropic.WithBaseURL(m.BaseURL))
		}
		return anthropic.New(apiKey, o...), nil
	case "gemini", "vertex":
		var o []gemini.Option
		if m.BaseURL != "" {
			o = append(o, gemini.WithBaseURL(m.BaseURL))
		}
		if m.Protocol == "vertex" {
			o = append(o, gemini.WithVertex(m.Project, m.Location))
		}
		c, err := gemini.New(ctx, apiKey, o...)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", m.ID, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("registry: %s: unknown protocol %q", m.ID, m.Protocol)
}
