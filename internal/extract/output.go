package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Markers bracket the JSON object in model output.
const (
	BeginMarker = "<<<JSON>>>"
	EndMarker   = "<<<END>>>"
)

const previewLen = 500

// Failure is output that could not be turned into a conforming object.
// Code is apierr.CodeInvalidJSON or apierr.CodeSchemaValidation.
type Failure struct {
	Code       string
	Reason     string
	Violations []Violation
	Candidates int
	Preview    string
}

func (f *Failure) Error() string { return f.Code + ": " + f.message() }

// Unwrap exposes the client-facing classification.
func (f *Failure) Unwrap() error { return apierr.New(f.Code, "%s", f.message()) }

func (f *Failure) message() string {
	if len(f.Violations) == 0 {
		return f.Reason
	}
	vs := f.Violations
	if len(vs) > 5 {
		vs = vs[:5]
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return f.Reason + ": " + strings.Join(parts, "; ")
}

// Hint is the JSON error description handed back to the model on repair.
func (f *Failure) Hint() string {
	b, _ := json.Marshal(struct {
		Code       string      `json:"code"`
		Message    string      `json:"message"`
		Errors     []Violation `json:"errors,omitempty"`
		Candidates int         `json:"candidates_found,omitempty"`
		Preview    string      `json:"raw_preview,omitempty"`
	}{f.Code, f.Reason, f.Violations, f.Candidates, f.Preview})
	return string(b)
}

// Stage names the step that failed, for metrics.
func (f *Failure) Stage(repair bool) string {
	stage := "validate"
	if f.Code == apierr.CodeInvalidJSON {
		stage = "parse"
	}
	if repair {
		return "repair_" + stage
	}
	return stage
}

// Prompt builds the extraction prompt for text.
func Prompt(s *Schema, text string) string {
	return "You are a structured information extraction engine.\n" +
		"Return ONLY a JSON object that matches the contract below.\n" +
		"No markdown. No code fences. No commentary.\n" +
		"If a value is unknown: omit the field unless it is REQUIRED.\n" +
		"If a REQUIRED field is missing in the text: set it to null.\n\n" +
		"OUTPUT FORMAT:\n" + BeginMarker + "\n<JSON_OBJECT>\n" + EndMarker + "\n\n" +
		"SCHEMA_ID: " + s.ID + "\n" +
		s.Summary() + "\n\n" +
		"INPUT_TEXT:\n" + text + "\n"
}

// RepairPrompt asks the model to correct output that failed with f.
func RepairPrompt(s *Schema, text, output string, f *Failure) string {
	return "Your previous output did NOT match the contract.\n" +
		"Fix it. Return ONLY the corrected JSON object.\n" +
		"No markdown. No code fences. No commentary.\n\n" +
		"OUTPUT FORMAT:\n" + BeginMarker + "\n<JSON_OBJECT>\n" + EndMarker + "\n\n" +
		"SCHEMA_ID: " + s.ID + "\n" +
		s.Summary() + "\n\n" +
		"INPUT_TEXT:\n" + text + "\n\n" +
		"PREVIOUS_OUTPUT:\n" + output + "\n\n" +
		"ERROR_HINT:\n" + f.Hint() + "\n"
}

// Parse finds the object in model output that conforms to s and returns it
// in compact form. Delimited output is preferred; otherwise every embedded
// object is tried in order and the first conforming one wins.
func Parse(s *Schema, output string) (json.RawMessage, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return nil, &Failure{Code: apierr.CodeInvalidJSON, Reason: "model output was empty"}
	}
	preview := truncate(output, previewLen)

	if inner, ok := delimited(text); ok {
		if obj, ok := decodeObject(inner); ok {
			if vs := s.Validate(obj); len(vs) > 0 {
				return nil, &Failure{
					Code:       apierr.CodeSchemaValidation,
					Reason:     "the delimited JSON object does not conform to the schema",
					Violations: vs,
					Preview:    preview,
				}
			}
			return compact(obj), nil
		}
	}

	candidates := objects(text)
	if len(candidates) == 0 {
		return nil, &Failure{
			Code:    apierr.CodeInvalidJSON,
			Reason:  "model output did not contain any JSON object",
			Preview: preview,
		}
	}
	var last []Violation
	for _, c := range candidates {
		vs := s.Validate(c)
		if len(vs) == 0 {
			return compact(c), nil
		}
		last = vs
	}
	return nil, &Failure{
		Code:       apierr.CodeSchemaValidation,
		Reason:     "no JSON object in the model output conformed to the schema",
		Violations: last,
		Candidates: len(candidates),
		Preview:    preview,
	}
}

// Check validates stored data, such as a cached result, against s.
func Check(s *Schema, data []byte) error {
	obj, ok := decodeObject(string(data))
	if !ok {
		return &Failure{Code: apierr.CodeInvalidJSON, Reason: "stored data is not a JSON object"}
	}
	if vs := s.Validate(obj); len(vs) > 0 {
		return &Failure{Code: apierr.CodeSchemaValidation, Reason: "stored data does not conform to the schema", Violations: vs}
	}
	return nil
}

func delimited(s string) (string, bool) {
	_, rest, ok := strings.Cut(s, BeginMarker)
	if !ok {
		return "", false
	}
	inner, _, ok := strings.Cut(rest, EndMarker)
	if !ok {
		return "", false
	}
	return stripFences(strings.TrimSpace(inner)), true
}

var (
	fenceOpen  = regexp.MustCompile("^\\s*```[a-zA-Z0-9]*\\s*\\n?")
	fenceClose = regexp.MustCompile("\\n?\\s*```\\s*$")
)

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// decodeObject reports whether s is exactly one JSON object.
func decodeObject(s string) ([]byte, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil || len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return raw, true
}

// objects returns every top-level JSON object embedded in s, in order.
func objects(s string) [][]byte {
	s = stripFences(s)
	var out [][]byte
	for i := 0; i < len(s); {
		j := strings.IndexByte(s[i:], '{')
		if j < 0 {
			break
		}
		j += i
		dec := json.NewDecoder(strings.NewReader(s[j:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i = j + 1
			continue
		}
		out = append(out, raw)
		i = j + max(int(dec.InputOffset()), 1)
	}
	return out
}

func compact(obj []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, obj); err != nil {
		return json.RawMessage(obj)
	}
	return buf.Bytes()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
