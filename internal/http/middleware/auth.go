package middleware

import (
	"bytes"
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	dbpkg "splitlab/internal/db"
	httpctx "splitlab/internal/http/ctx"
)

// KeyStore looks up active API keys.
type KeyStore interface {
	ActiveAPIKey(ctx context.Context, token string) (*dbpkg.APIKey, error)
}

// BearerAuth admits server-to-server callers presenting an active integration
// key and sets it on the context.
func BearerAuth(store KeyStore) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token, reason := bearerToken(ctx.Request.Header.Peek("Authorization"))
			if reason != "" {
				unauthorized(ctx, reason)
				return
			}

			apiKey, err := store.ActiveAPIKey(ctx, token)
			if err != nil {
				logrus.WithError(err).Error("api key lookup failed")
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}
			if apiKey == nil {
				unauthorized(ctx, "invalid API key")
				return
			}

			httpctx.SetAPIKey(ctx, apiKey)
			next(ctx)
		}
	}
}

// bearerToken extracts the token of a Bearer Authorization header, or
// returns why the header is unusable.
func bearerToken(auth []byte) (token, reason string) {
	const prefix = "Bearer "
	switch {
	case len(auth) == 0:
		return "", "missing Authorization header"
	case !bytes.HasPrefix(auth, []byte(prefix)):
		return "", "invalid Authorization header"
	}
	token = strings.TrimSpace(string(auth[len(prefix):]))
	if token == "" {
		return "", "empty bearer token"
	}
	return token, ""
}

func unauthorized(ctx *fasthttp.RequestCtx, reason string) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString(reason)
}
