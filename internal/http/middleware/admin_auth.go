package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	dbpkg "splitlab/internal/db"
	httpctx "splitlab/internal/http/ctx"
)

// Authenticator checks admin credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*dbpkg.User, error)
}

// AdminAuth returns middleware that checks HTTP Basic credentials against the
// users table and sets the admin on the context.
func AdminAuth(store Authenticator) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			username, password, ok := basicCredentials(ctx.Request.Header.Peek("Authorization"))
			if !ok {
				challenge(ctx)
				return
			}

			user, err := store.Authenticate(ctx, username, password)
			if err != nil {
				logrus.WithError(err).Error("admin authentication failed")
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}
			if user == nil {
				challenge(ctx)
				return
			}

			httpctx.SetUser(ctx, user)
			next(ctx)
		}
	}
}

func basicCredentials(auth []byte) (username, password string, ok bool) {
	const prefix = "Basic "
	if !bytes.HasPrefix(auth, []byte(prefix)) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(auth[len(prefix):])))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(raw), ":")
	return username, password, ok && username != ""
}

func challenge(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="splitlab"`)
	unauthorized(ctx, "unauthorized")
}
