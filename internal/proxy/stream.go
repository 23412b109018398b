package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

type deltaEvent struct {
	Delta string `json:"delta"`
}

// handleStream serves /v1/generate/stream as server-sent events:
//
//	data: {"delta":"..."}          one per chunk
//	event: done                    final metadata
//	event: error                   failure after the stream started
//
// Errors before the first byte are ordinary JSON error responses.
func (s *Server) handleStream(ctx *fasthttp.RequestCtx) {
	var body generateBody
	if err := decode(ctx, &body); err != nil {
		writeError(ctx, err)
		return
	}
	reqID := requestIDOf(ctx)
	rctx, cancel := s.requestContext()

	st, err := s.gw.OpenStream(rctx, credential(ctx), body.request(reqID))
	if err != nil {
		cancel()
		writeError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.Response.Header.Set("X-Model", st.Model())

	log := s.log
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer st.Close()

		for {
			delta, err := st.Next(rctx)
			if errors.Is(err, io.EOF) {
				writeEvent(w, "done", st.Response())
				_ = w.Flush()
				return
			}
			if err != nil {
				fmt.Fprint(w, "event: error\n")
				fmt.Fprintf(w, "data: %s\n\n", apierr.Body(err, reqID))
				_ = w.Flush()
				return
			}
			writeEvent(w, "", deltaEvent{Delta: delta})
			if err := w.Flush(); err != nil {
				log.Info("stream_client_gone",
					slog.String("request_id", reqID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	})
}

func writeEvent(w *bufio.Writer, event string, v any) {
	data, _ := json.Marshal(v)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
