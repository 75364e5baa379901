package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	dbpkg "splitlab/internal/db"
	httpctx "splitlab/internal/http/ctx"
	"splitlab/internal/validate"
)

// MustUser returns the current user from context, or sends 401 and returns (nil, false).
func MustUser(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	user, ok := httpctx.UserFromCtx(ctx)
	if !ok {
		errResponse(ctx, fasthttp.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return user, true
}

// idParam reads a positive numeric route parameter, or sends 400.
func idParam(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	idStr, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// nodeParam reads a content node id route parameter, or sends 400.
func nodeParam(ctx *fasthttp.RequestCtx, name string) (int64, bool) {
	idStr, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// decodeJSON unmarshals the request body into the struct pointer v and
// validates it. An empty body is accepted when allowEmpty is set. It sends the
// error response and returns false on failure.
func decodeJSON(ctx *fasthttp.RequestCtx, v any, allowEmpty bool) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		if allowEmpty {
			return true
		}
		errResponse(ctx, fasthttp.StatusBadRequest, "empty JSON body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(ctx, err)
		return false
	}
	return true
}
