package backend

import (
	"strings"
	"unicode/utf8"
)

// DefaultStops end a local completion when the model starts a new turn.
var DefaultStops = []string{"\nUser:", "###"}

// mergeStops returns the caller's stops followed by extra, without
// duplicates or empty entries.
func mergeStops(stops, extra []string) []string {
	out := make([]string, 0, len(stops)+len(extra))
	seen := make(map[string]struct{}, len(stops)+len(extra))
	for _, list := range [][]string{stops, extra} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// TruncateAtStop cuts text at the earliest occurrence of any stop sequence.
func TruncateAtStop(text string, stops []string) (string, bool) {
	cut := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

// stopScanner applies stop sequences to incrementally produced text. It
// holds back just enough of the tail to recognise a stop sequence that is
// split across tokens, so emitted text never contains a stop sequence.
type stopScanner struct {
	stops   []string
	holdLen int
	buf     string
	stopped bool
}

func newStopScanner(stops []string) *stopScanner {
	s := &stopScanner{stops: stops}
	for _, st := range stops {
		if len(st) > s.holdLen {
			s.holdLen = len(st)
		}
	}
	if s.holdLen > 0 {
		s.holdLen--
	}
	return s
}

// Push adds produced text and returns what is safe to emit. stopped
// reports that a stop sequence was found; later pushes emit nothing.
func (s *stopScanner) Push(text string) (emit string, stopped bool) {
	if s.stopped {
		return "", true
	}
	s.buf += text

	if head, ok := TruncateAtStop(s.buf, s.stops); ok {
		s.stopped = true
		s.buf = ""
		return head, true
	}

	cut := len(s.buf) - s.holdLen
	if cut <= 0 {
		return "", false
	}
	for cut > 0 && cut < len(s.buf) && !utf8.RuneStart(s.buf[cut]) {
		cut--
	}
	emit, s.buf = s.buf[:cut], s.buf[cut:]
	return emit, false
}

// Flush returns any held-back text once generation has finished.
func (s *stopScanner) Flush() string {
	out := s.buf
	s.buf = ""
	return out
}
