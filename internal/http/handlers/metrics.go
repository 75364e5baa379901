package handlers

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"splitlab/internal/apperr"
	httpctx "splitlab/internal/http/ctx"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		logrus.WithFields(logrus.Fields{
			"method":   string(ctx.Method()),
			"path":     string(ctx.Path()),
			"status":   ctx.Response.StatusCode(),
			"duration": time.Since(start).String(),
			"ip":       httpctx.ClientIP(ctx),
		}).Info("request")
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	body, err := json.Marshal(data)
	if err != nil {
		logrus.WithError(err).Error("failed to encode response")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal error"}`)
		return
	}
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	jsonResponse(ctx, map[string]any{"error": msg})
}

// writeError maps an error class to its status: Validation 400, NotFound 404,
// Conflict 409, anything else 500 with the cause only in the log.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case apperr.Validation.Has(err):
		errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
	case apperr.NotFound.Has(err):
		errResponse(ctx, fasthttp.StatusNotFound, err.Error())
	case apperr.Conflict.Has(err):
		errResponse(ctx, fasthttp.StatusConflict, err.Error())
	default:
		logrus.WithError(err).WithField("path", string(ctx.Path())).Error("request failed")
		errResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}
