package fingerprint

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func mustCompute(t *testing.T, model, prompt string, p Params) Key {
	t.Helper()
	k, err := Compute(model, prompt, p)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return k
}

func TestCompute_Deterministic(t *testing.T) {
	p := Params{Temperature: floatp(0.2), Stop: []string{"###"}}
	a := mustCompute(t, "m1", "Hello", p)
	b := mustCompute(t, "m1", "Hello", p)
	if a != b {
		t.Fatalf("same input produced %s and %s", a, b)
	}
	if len(a.String()) != 2*Size {
		t.Errorf("hex length = %d", len(a.String()))
	}
}

func TestCompute_ExplicitDefaultsEqualOmitted(t *testing.T) {
	omitted := mustCompute(t, "m1", "Hello", Params{})
	explicit := mustCompute(t, "m1", "Hello", Params{
		MaxNewTokens: intp(DefaultMaxNewTokens),
		Temperature:  floatp(DefaultTemperature),
		TopP:         floatp(DefaultTopP),
		TopK:         intp(DefaultTopK),
		Stop:         []string{},
	})
	if omitted != explicit {
		t.Fatal("explicit defaults must hash like omitted fields")
	}
}

func TestCompute_FloatPrecisionNormalized(t *testing.T) {
	a := mustCompute(t, "m1", "x", Params{Temperature: floatp(0.7)})
	b := mustCompute(t, "m1", "x", Params{Temperature: floatp(0.70000000001)})
	if a != b {
		t.Fatal("representation drift changed the key")
	}
	c := mustCompute(t, "m1", "x", Params{Temperature: floatp(0.71)})
	if a == c {
		t.Fatal("a real temperature change must change the key")
	}
}

func TestCompute_StopOrderMattersDuplicatesDoNot(t *testing.T) {
	ab := mustCompute(t, "m1", "x", Params{Stop: []string{"a", "b"}})
	ba := mustCompute(t, "m1", "x", Params{Stop: []string{"b", "a"}})
	abDup := mustCompute(t, "m1", "x", Params{Stop: []string{"a", "b", "a", "b"}})

	if ab == ba {
		t.Error("stop order must affect the key")
	}
	if ab != abDup {
		t.Error("duplicate stop sequences must not affect the key")
	}
}

func TestCompute_EveryFieldAffectsKey(t *testing.T) {
	base := mustCompute(t, "m1", "Hello", Params{})
	variants := map[string]Key{
		"model":       mustCompute(t, "m2", "Hello", Params{}),
		"prompt":      mustCompute(t, "m1", "Hello ", Params{}),
		"max_tokens":  mustCompute(t, "m1", "Hello", Params{MaxNewTokens: intp(10)}),
		"temperature": mustCompute(t, "m1", "Hello", Params{Temperature: floatp(0)}),
		"top_p":       mustCompute(t, "m1", "Hello", Params{TopP: floatp(0.5)}),
		"top_k":       mustCompute(t, "m1", "Hello", Params{TopK: intp(40)}),
		"stop":        mustCompute(t, "m1", "Hello", Params{Stop: []string{"\n"}}),
	}
	for name, k := range variants {
		if k == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestCompute_FieldBoundaries(t *testing.T) {
	a := mustCompute(t, "m1", "x", Params{Stop: []string{"ab", "c"}})
	b := mustCompute(t, "m1", "x", Params{Stop: []string{"a", "bc"}})
	if a == b {
		t.Fatal("stop boundaries collapsed")
	}
}

func TestCompute_RejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		model string
		p     Params
	}{
		"empty model":     {"", Params{}},
		"blank model":     {"   ", Params{}},
		"negative tokens": {"m1", Params{MaxNewTokens: intp(-1)}},
		"negative top_k":  {"m1", Params{TopK: intp(-3)}},
		"negative temp":   {"m1", Params{Temperature: floatp(-0.1)}},
		"top_p zero":      {"m1", Params{TopP: floatp(0)}},
		"top_p above one": {"m1", Params{TopP: floatp(1.5)}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(tc.model, "x", tc.p)
			if !errors.Is(err, apierr.ErrInvalidRequest) {
				t.Fatalf("err = %v, want invalid_request", err)
			}
		})
	}
}

func TestResolve_FillsDefaults(t *testing.T) {
	r, err := Params{Stop: []string{"", "x", "x"}}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if r.MaxNewTokens != DefaultMaxNewTokens || r.Temperature != DefaultTemperature || r.TopP != DefaultTopP {
		t.Errorf("defaults not applied: %+v", r)
	}
	if len(r.Stop) != 1 || r.Stop[0] != "x" {
		t.Errorf("stop = %q", r.Stop)
	}
}

func TestComputeNamespaced(t *testing.T) {
	r, err := Params{}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := ComputeResolved("m1", "Hello", r)
	empty, _ := ComputeNamespaced("", "m1", "Hello", r)
	if plain != empty {
		t.Error("empty namespace changed the key")
	}
	a, _ := ComputeNamespaced("extract:ticket", "m1", "Hello", r)
	b, _ := ComputeNamespaced("extract:invoice", "m1", "Hello", r)
	if a == plain || a == b {
		t.Error("namespaces share a key")
	}
}
