package proxy

import (
	"net/http"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/gateway"
)

// The echo backend repeats the extraction prompt, so the JSON object in the
// input text comes back as the model output.

func TestExtract_EchoedObject(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := map[string]any{"schema_id": "ticket_v1", "text": `ticket {"subject": "printer"} please`}

	resp := env.do(t, "POST", "/v1/extract", userKey, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Cache"); got != "miss" {
		t.Errorf("X-Cache = %q, want miss", got)
	}
	var out gateway.ExtractResponse
	decodeJSON(t, resp, &out)
	if string(out.Data) != `{"subject":"printer"}` || out.Model != "echo" || out.SchemaID != "ticket_v1" {
		t.Errorf("out = %+v data=%s", out, out.Data)
	}

	resp = env.do(t, "POST", "/v1/extract", userKey, body)
	readBody(t, resp)
	if got := resp.Header.Get("X-Cache"); got != "hit" {
		t.Errorf("second X-Cache = %q, want hit", got)
	}
}

func TestExtract_Errors(t *testing.T) {
	env := newTestEnv(t, Options{})

	cases := []struct {
		name   string
		key    string
		body   map[string]any
		status int
		code   string
	}{
		{"missing key", "", map[string]any{"schema_id": "ticket_v1", "text": "x"}, 401, "unauthenticated"},
		{"unknown schema", userKey, map[string]any{"schema_id": "nope", "text": "x"}, 404, "schema_not_found"},
		{"blank text", userKey, map[string]any{"schema_id": "ticket_v1", "text": " "}, 400, "invalid_request"},
		{"no object", userKey, map[string]any{"schema_id": "ticket_v1", "text": "nothing here", "repair": false}, 422, "invalid_json"},
		{"nonconforming", userKey, map[string]any{"schema_id": "ticket_v1", "text": `{"title": "x"}`, "repair": false}, 422, "schema_validation_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/extract", tc.key, tc.body)
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			var eb errorBody
			decodeJSON(t, resp, &eb)
			if eb.Error.Code != tc.code {
				t.Errorf("code = %q, want %q", eb.Error.Code, tc.code)
			}
		})
	}
}

func TestSchemas(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, "GET", "/v1/schemas", userKey, nil)
	var list struct {
		Schemas []schemaView `json:"schemas"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Schemas) != 1 || list.Schemas[0].ID != "ticket_v1" || list.Schemas[0].Title != "Ticket" {
		t.Errorf("schemas = %+v", list.Schemas)
	}

	resp = env.do(t, "GET", "/v1/schemas/ticket_v1", userKey, nil)
	if got := string(readBody(t, resp)); got != ticketSchema {
		t.Errorf("schema body = %s", got)
	}

	resp = env.do(t, "GET", "/v1/schemas/nope", userKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown schema status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	resp = env.do(t, "GET", "/v1/schemas", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}
	readBody(t, resp)
}
