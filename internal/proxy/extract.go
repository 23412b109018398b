package proxy

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
)

// extractBody is the JSON body of /v1/extract.
type extractBody struct {
	SchemaID string `json:"schema_id"`
	Text     string `json:"text"`
	Model    string `json:"model"`
	Cache    *bool  `json:"cache"`
	Repair   *bool  `json:"repair"`
	fingerprint.Params
}

type schemaView struct {
	ID          string `json:"schema_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleExtract(ctx *fasthttp.RequestCtx) {
	var body extractBody
	if err := decode(ctx, &body); err != nil {
		writeError(ctx, err)
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()

	resp, err := s.gw.Extract(rctx, credential(ctx), gateway.ExtractRequest{
		SchemaID:  body.SchemaID,
		Text:      body.Text,
		Model:     body.Model,
		Params:    body.Params,
		Cache:     body.Cache,
		Repair:    body.Repair,
		RequestID: requestIDOf(ctx),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	setCacheHeader(ctx, resp.CacheStatus)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleSchemas(ctx *fasthttp.RequestCtx) {
	if _, err := s.gw.Authenticate(ctx, credential(ctx)); err != nil {
		writeError(ctx, err)
		return
	}
	list := s.gw.Schemas().List()
	out := make([]schemaView, len(list))
	for i, sc := range list {
		out[i] = schemaView{ID: sc.ID, Title: sc.Title, Description: sc.Description}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"schemas": out})
}

// handleSchema returns one schema document as loaded.
func (s *Server) handleSchema(ctx *fasthttp.RequestCtx) {
	if _, err := s.gw.Authenticate(ctx, credential(ctx)); err != nil {
		writeError(ctx, err)
		return
	}
	id, _ := ctx.UserValue("id").(string)
	sc, err := s.gw.Schemas().Get(id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(sc.Raw)
}
