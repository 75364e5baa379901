package handlers

import (
	"github.com/valyala/fasthttp"

	"splitlab/internal/assignment"
	httpctx "splitlab/internal/http/ctx"
	"splitlab/internal/render"
)

type decideRequest struct {
	NodeID int64 `json:"nodeId" validate:"required,gt=0"`
}

// RenderDecide answers which node and navigation to render for the visitor
// whose cookies the caller forwarded. Visitor and arm cookies are written back
// as Set-Cookie headers.
func RenderDecide(decider *render.Decider, engine *assignment.Engine) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req decideRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}

		jar := httpctx.NewCookieJar(ctx)
		visitor := engine.VisitorID(jar)
		dec, err := decider.Decide(ctx, req.NodeID, visitor, jar)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, dec)
	}
}
