// Package audit records one entry per gateway call.
//
// Records are written to a buffered channel and flushed in batches to a Sink
// by a background goroutine, so auditing never blocks the request path. If
// the channel fills up, new records are dropped and counted. Sink failures
// are logged and counted; they never reach the caller.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second

	// DefaultTruncate bounds stored prompt and output text, in runes.
	DefaultTruncate = 2000
)

// Record is one inference log entry.
type Record struct {
	ID        string
	RequestID string
	CallerID  int64
	// CallerRef is the caller's name and public key prefix, never the key.
	CallerRef        string
	Route            string
	ModelID          string
	Stream           bool
	CacheStatus      string
	Outcome          string
	Status           int
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
	BilledUnits      int64
	Prompt           string
	Output           string
	CreatedAt        time.Time
}

// Sink persists batches of records.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []Record) error
}

// Options configures a Logger.
type Options struct {
	// Truncate bounds Prompt and Output in runes. Zero uses DefaultTruncate,
	// negative disables truncation.
	Truncate int
	Logger   *slog.Logger
}

// Logger batches records to a Sink.
type Logger struct {
	sink     Sink
	truncate int

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, sink Sink, opts Options) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit: sink must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Truncate == 0 {
		opts.Truncate = DefaultTruncate
	}

	l := &Logger{
		sink:     sink,
		truncate: opts.Truncate,
		ch:       make(chan Record, channelBuffer),
		done:     make(chan struct{}),
		baseCtx:  context.WithoutCancel(ctx),
		log:      opts.Logger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record without blocking.
func (l *Logger) Log(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	if l.truncate > 0 {
		rec.Prompt = Truncate(rec.Prompt, l.truncate)
		rec.Output = Truncate(rec.Output, l.truncate)
	}
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
	}
}

// Dropped counts records lost to a full buffer.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Failed counts records the sink rejected.
func (l *Logger) Failed() int64 { return l.failed.Load() }

// Written counts records the sink accepted.
func (l *Logger) Written() int64 { return l.written.Load() }

// Close flushes buffered records and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(l.baseCtx, writeTimeout)
		err := l.sink.Write(ctx, batch)
		cancel()
		if err != nil {
			l.failed.Add(int64(len(batch)))
			l.log.ErrorContext(l.baseCtx, "audit_write_failed",
				slog.String("sink", l.sink.Name()),
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		} else {
			l.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
