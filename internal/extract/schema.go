// Package extract turns free text into JSON objects that conform to a named
// schema. It owns the schema catalog, the extraction and repair prompts, and
// the parsing and validation of model output. Running the model is left to
// the caller.
//
// Schemas use the JSON Schema keywords that matter for flat extraction
// contracts: type, properties, required, additionalProperties, items, enum,
// const, pattern, minLength, maxLength, minimum, maximum, minItems and
// maxItems. Other keywords are accepted and ignored.
package extract

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Schema is a compiled extraction contract.
type Schema struct {
	ID          string
	Title       string
	Description string

	// Raw is the schema document as loaded.
	Raw []byte

	root *node
}

// Violation is one way a document fails a schema.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

type node struct {
	types []string

	props    map[string]*node
	order    []string
	required []string

	noExtra bool
	extra   *node
	items   *node

	enum     []any
	constant any
	hasConst bool
	pattern  *regexp.Regexp

	minLength, maxLength *int64
	minimum, maximum     *float64
	minItems, maxItems   *int64

	desc string
}

var knownTypes = map[string]bool{
	"object": true, "array": true, "string": true, "number": true,
	"integer": true, "boolean": true, "null": true,
}

// Compile parses a schema document. The document must be a JSON object.
func Compile(id string, raw []byte) (*Schema, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("extract: schema %q is not valid JSON", id)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("extract: schema %q must be a JSON object", id)
	}
	root, err := compileNode(doc, "$")
	if err != nil {
		return nil, fmt.Errorf("extract: schema %q: %w", id, err)
	}
	return &Schema{
		ID:          id,
		Title:       doc.Get("title").String(),
		Description: doc.Get("description").String(),
		Raw:         append([]byte(nil), raw...),
		root:        root,
	}, nil
}

func compileNode(r gjson.Result, path string) (*node, error) {
	n := &node{desc: r.Get("description").String()}

	switch t := r.Get("type"); {
	case t.IsArray():
		for _, x := range t.Array() {
			n.types = append(n.types, x.String())
		}
	case t.Exists():
		n.types = []string{t.String()}
	}
	for _, t := range n.types {
		if !knownTypes[t] {
			return nil, fmt.Errorf("%s: unknown type %q", path, t)
		}
	}

	if props := r.Get("properties"); props.IsObject() {
		n.props = make(map[string]*node)
		var err error
		props.ForEach(func(k, v gjson.Result) bool {
			var child *node
			child, err = compileNode(v, path+"."+k.String())
			if err != nil {
				return false
			}
			n.props[k.String()] = child
			n.order = append(n.order, k.String())
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	for _, x := range r.Get("required").Array() {
		n.required = append(n.required, x.String())
	}

	switch ap := r.Get("additionalProperties"); {
	case ap.Type == gjson.False:
		n.noExtra = true
	case ap.IsObject():
		child, err := compileNode(ap, path+".*")
		if err != nil {
			return nil, err
		}
		n.extra = child
	}
	if items := r.Get("items"); items.IsObject() {
		child, err := compileNode(items, path+"[]")
		if err != nil {
			return nil, err
		}
		n.items = child
	}

	for _, x := range r.Get("enum").Array() {
		n.enum = append(n.enum, x.Value())
	}
	if c := r.Get("const"); c.Exists() {
		n.constant, n.hasConst = c.Value(), true
	}
	if p := r.Get("pattern"); p.Exists() {
		re, err := regexp.Compile(p.String())
		if err != nil {
			return nil, fmt.Errorf("%s: bad pattern: %w", path, err)
		}
		n.pattern = re
	}

	n.minLength = intKeyword(r, "minLength")
	n.maxLength = intKeyword(r, "maxLength")
	n.minItems = intKeyword(r, "minItems")
	n.maxItems = intKeyword(r, "maxItems")
	n.minimum = floatKeyword(r, "minimum")
	n.maximum = floatKeyword(r, "maximum")
	return n, nil
}

func intKeyword(r gjson.Result, key string) *int64 {
	v := r.Get(key)
	if v.Type != gjson.Number {
		return nil
	}
	i := v.Int()
	return &i
}

func floatKeyword(r gjson.Result, key string) *float64 {
	v := r.Get(key)
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

// Validate checks doc against the schema and returns every violation found.
// An empty result means doc conforms.
func (s *Schema) Validate(doc []byte) []Violation {
	if !gjson.ValidBytes(doc) {
		return []Violation{{Path: "$", Message: "not valid JSON"}}
	}
	var out []Violation
	s.root.validate(gjson.ParseBytes(doc), "$", &out)
	return out
}

func (n *node) validate(v gjson.Result, path string, out *[]Violation) {
	add := func(format string, args ...any) {
		*out = append(*out, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(n.types) > 0 && !n.typeMatches(v) {
		add("expected %s, got %s", strings.Join(n.types, " or "), typeName(v))
		return
	}
	if len(n.enum) > 0 && !containsValue(n.enum, v.Value()) {
		add("value %s is not one of the allowed values", v.Raw)
	}
	if n.hasConst && !reflect.DeepEqual(n.constant, v.Value()) {
		add("value %s does not equal the required constant", v.Raw)
	}

	switch {
	case v.Type == gjson.String:
		l := int64(len([]rune(v.Str)))
		if n.minLength != nil && l < *n.minLength {
			add("shorter than %d characters", *n.minLength)
		}
		if n.maxLength != nil && l > *n.maxLength {
			add("longer than %d characters", *n.maxLength)
		}
		if n.pattern != nil && !n.pattern.MatchString(v.Str) {
			add("does not match pattern %q", n.pattern.String())
		}
	case v.Type == gjson.Number:
		if n.minimum != nil && v.Num < *n.minimum {
			add("less than minimum %s", fmtNum(*n.minimum))
		}
		if n.maximum != nil && v.Num > *n.maximum {
			add("greater than maximum %s", fmtNum(*n.maximum))
		}
	case v.IsArray():
		items := v.Array()
		if n.minItems != nil && int64(len(items)) < *n.minItems {
			add("fewer than %d items", *n.minItems)
		}
		if n.maxItems != nil && int64(len(items)) > *n.maxItems {
			add("more than %d items", *n.maxItems)
		}
		if n.items != nil {
			for i, it := range items {
				n.items.validate(it, path+"["+strconv.Itoa(i)+"]", out)
			}
		}
	case v.IsObject():
		fields := v.Map()
		for _, req := range n.required {
			if _, ok := fields[req]; !ok {
				*out = append(*out, Violation{Path: path + "." + req, Message: "required field is missing"})
			}
		}
		// Walk in document order so violations are reported stably.
		v.ForEach(func(k, fv gjson.Result) bool {
			key := k.String()
			child := path + "." + key
			switch p, ok := n.props[key]; {
			case ok:
				p.validate(fv, child, out)
			case n.extra != nil:
				n.extra.validate(fv, child, out)
			case n.noExtra:
				*out = append(*out, Violation{Path: child, Message: "additional field is not allowed"})
			}
			return true
		})
	}
}

func (n *node) typeMatches(v gjson.Result) bool {
	for _, t := range n.types {
		switch t {
		case "null":
			if v.Type == gjson.Null {
				return true
			}
		case "boolean":
			if v.IsBool() {
				return true
			}
		case "string":
			if v.Type == gjson.String {
				return true
			}
		case "number":
			if v.Type == gjson.Number {
				return true
			}
		case "integer":
			if v.Type == gjson.Number && v.Num == math.Trunc(v.Num) {
				return true
			}
		case "object":
			if v.IsObject() {
				return true
			}
		case "array":
			if v.IsArray() {
				return true
			}
		}
	}
	return false
}

func typeName(v gjson.Result) string {
	switch {
	case v.Type == gjson.Null:
		return "null"
	case v.IsBool():
		return "boolean"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.String:
		return "string"
	case v.IsArray():
		return "array"
	default:
		return "object"
	}
}

func containsValue(set []any, v any) bool {
	for _, x := range set {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

func fmtNum(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Summary renders the schema as the compact field listing placed in prompts.
func (s *Schema) Summary() string {
	var b strings.Builder
	r := s.root
	if len(r.required) > 0 {
		b.WriteString("REQUIRED_FIELDS: " + strings.Join(r.required, ", ") + "\n")
	}
	b.WriteString("FIELDS:\n")
	for _, k := range r.order {
		p := r.props[k]
		t := "any"
		if len(p.types) > 0 {
			t = strings.Join(p.types, "|")
		}
		pieces := []string{"- " + k + ": " + t}
		if len(p.enum) > 0 {
			vals := make([]string, len(p.enum))
			for i, e := range p.enum {
				vals[i] = fmt.Sprint(e)
			}
			pieces = append(pieces, "enum=["+strings.Join(vals, ", ")+"]")
		}
		if p.pattern != nil {
			pieces = append(pieces, "pattern="+p.pattern.String())
		}
		if p.desc != "" {
			d := []rune(p.desc)
			if len(d) > 80 {
				d = d[:80]
			}
			pieces = append(pieces, "desc="+string(d))
		}
		b.WriteString("  " + strings.Join(pieces, " | ") + "\n")
	}
	if r.noExtra {
		b.WriteString("CONSTRAINT: additionalProperties=false (no extra keys).\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
