package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(_ context.Context, rs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rs...)
	return nil
}

func (m *memSink) all() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &memSink{}
	l, err := New(context.Background(), sink, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 250; i++ {
		l.Log(Record{RequestID: "r", ModelID: "tiny"})
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	got := sink.all()
	if len(got) != 250 {
		t.Fatalf("written = %d, want 250", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("record not normalized: %+v", got[0])
	}
	if l.Written() != 250 || l.Failed() != 0 {
		t.Errorf("written=%d failed=%d", l.Written(), l.Failed())
	}
}

func TestLogger_TruncatesText(t *testing.T) {
	sink := &memSink{}
	l, _ := New(context.Background(), sink, Options{Truncate: 5})
	l.Log(Record{Prompt: "héllo world", Output: "abc"})
	_ = l.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Prompt != "héllo" || got[0].Output != "abc" {
		t.Errorf("prompt=%q output=%q", got[0].Prompt, got[0].Output)
	}
}

func TestLogger_SinkFailureIsCountedNotSurfaced(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	l, _ := New(context.Background(), sink, Options{})
	l.Log(Record{})
	l.Log(Record{})
	_ = l.Close()

	if l.Failed() != 2 {
		t.Errorf("failed = %d, want 2", l.Failed())
	}
}

func TestNew_Validates(t *testing.T) {
	//nolint:staticcheck
	if _, err := New(nil, Discard{}, Options{}); err == nil {
		t.Error("nil context must fail")
	}
	if _, err := New(context.Background(), nil, Options{}); err == nil {
		t.Error("nil sink must fail")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdef", 3, "abc"},
		{"abc", 3, "abc"},
		{"日本語テキスト", 3, "日本語"},
		{"abc", 0, "abc"},
		{strings.Repeat("x", 10), -1, strings.Repeat("x", 10)},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
