package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
)

// LlamaServerConfig describes how to launch a llama.cpp server for one model.
type LlamaServerConfig struct {
	Binary    string
	ModelPath string
	Host      string
	Port      int // 0 picks a free port
	CtxSize   int
	GPULayers int
	Threads   int
	ExtraArgs []string

	// ReadyPoll is the interval between health probes while starting.
	ReadyPoll time.Duration

	Logger *slog.Logger
}

// LlamaServer is a Runtime that runs llama-server as a child process and
// talks to its OpenAI-compatible endpoint.
type LlamaServer struct {
	cfg LlamaServerConfig
	log *slog.Logger
	hc  *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	client  *openai.Client
	baseURL string
}

func NewLlamaServer(cfg LlamaServerConfig) *LlamaServer {
	if cfg.Binary == "" {
		cfg.Binary = "llama-server"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LlamaServer{
		cfg: cfg,
		log: cfg.Logger.With("runtime", "llama-server", "model_path", cfg.ModelPath),
		hc:  &http.Client{Timeout: 2 * time.Second},
	}
}

// Load starts the process and waits until /health answers 200, the process
// exits, or ctx is done.
func (s *LlamaServer) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.running() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	port := s.cfg.Port
	if port == 0 {
		p, err := pickFreePort(s.cfg.Host)
		if err != nil {
			return fmt.Errorf("llama-server: pick port: %w", err)
		}
		port = p
	}
	baseURL := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	args := []string{"-m", s.cfg.ModelPath, "--host", s.cfg.Host, "--port", strconv.Itoa(port)}
	if s.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(s.cfg.CtxSize))
	}
	if s.cfg.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(s.cfg.GPULayers))
	}
	if s.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(s.cfg.Threads))
	}
	args = append(args, s.cfg.ExtraArgs...)

	cmd := exec.Command(s.cfg.Binary, args...)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("llama-server: start: %w", err)
	}
	s.log.Info("llama_server_spawned", "pid", cmd.Process.Pid, "url", baseURL)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	ticker := time.NewTicker(s.cfg.ReadyPoll)
	defer ticker.Stop()
	for {
		if s.healthy(ctx, baseURL) {
			break
		}
		select {
		case <-exited:
			return fmt.Errorf("llama-server: exited before ready: %v; stderr: %s", waitErr, stderr.String())
		case <-ctx.Done():
			stopProcess(cmd, exited)
			return fmt.Errorf("llama-server: not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	client := openai.New("", openai.WithBaseURL(baseURL+"/v1"))

	s.mu.Lock()
	s.cmd, s.exited, s.client, s.baseURL = cmd, exited, client, baseURL
	s.mu.Unlock()

	s.log.Info("llama_server_ready", "pid", cmd.Process.Pid, "url", baseURL)
	return nil
}

func (s *LlamaServer) Generate(ctx context.Context, prompt string, p Params, onToken func(string) error) (Result, error) {
	s.mu.Lock()
	client, running := s.client, s.running()
	s.mu.Unlock()
	if !running {
		return Result{}, ErrRuntimeGone
	}

	// Streaming keeps cancellation prompt: closing ctx drops the HTTP
	// connection and llama-server aborts the slot.
	ch, err := client.Stream(ctx, &providers.Request{
		Prompt:      prompt,
		MaxTokens:   p.MaxNewTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		Stop:        p.Stop,
	})
	if err != nil {
		return Result{}, s.checkGone(err)
	}

	var res Result
	for c := range ch {
		if c.Err != nil {
			return res, s.checkGone(c.Err)
		}
		if c.Content != "" {
			if err := onToken(c.Content); err != nil {
				return res, err
			}
		}
		if c.FinishReason != "" {
			res.FinishReason = c.FinishReason
		}
		if c.Usage != nil {
			res.Usage = Usage{PromptTokens: c.Usage.InputTokens, CompletionTokens: c.Usage.OutputTokens}
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// Close stops the process: SIGTERM first, SIGKILL after five seconds.
func (s *LlamaServer) Close() error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.cmd, s.exited, s.client = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	stopProcess(cmd, exited)
	s.log.Info("llama_server_stopped", "pid", cmd.Process.Pid)
	return nil
}

// running must be called with s.mu held.
func (s *LlamaServer) running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *LlamaServer) checkGone(err error) error {
	s.mu.Lock()
	running := s.running()
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %v", ErrRuntimeGone, err)
	}
	return err
}

func (s *LlamaServer) healthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func stopProcess(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener address")
	}
	return addr.Port, nil
}

// tailBuffer keeps the last 4 KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - 4096; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
