package handlers

import (
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"splitlab/internal/apperr"
	"splitlab/internal/assignment"
	dbpkg "splitlab/internal/db"
	httpctx "splitlab/internal/http/ctx"
	"splitlab/internal/ratelimit"
	"splitlab/internal/render"
	"splitlab/internal/tracking"
	"splitlab/internal/validate"
)

type trackForm struct {
	TestHandle     string `validate:"required,max=255,handle"`
	ConversionType string `validate:"required,oneof=form phone email download page custom"`
	GoalID         string `validate:"omitempty,number,max=10"`
	Token          string `validate:"omitempty,hexadecimal,max=128"`
}

// TrackConversion is the public conversion beacon. It always answers 200 with
// {"success": bool, "error": string} so pages never surface tracking failures.
func TrackConversion(ledger *tracking.Ledger, limiter *ratelimit.Limiter, tokenSecret string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		form := trackForm{
			TestHandle:     string(ctx.FormValue("testHandle")),
			ConversionType: string(ctx.FormValue("conversionType")),
			GoalID:         string(ctx.FormValue("goalId")),
			Token:          string(ctx.FormValue("token")),
		}
		if err := validate.Struct(form); err != nil {
			trackResult(ctx, "Invalid request")
			return
		}

		visitor := string(ctx.Request.Header.Cookie(assignment.VisitorToken))
		if visitor == "" {
			trackResult(ctx, "Missing visitor")
			return
		}

		key := ratelimit.Key{Client: httpctx.ClientIP(ctx), Visitor: visitor, Experiment: form.TestHandle}
		if !limiter.Allow(ctx, key) {
			trackResult(ctx, "Rate limited")
			return
		}

		if !render.Verify(tokenSecret, visitor, form.TestHandle, form.Token) {
			trackResult(ctx, "Invalid token")
			return
		}

		var goalID *uint
		if form.GoalID != "" {
			id, err := strconv.ParseUint(form.GoalID, 10, 32)
			if err != nil || id == 0 {
				trackResult(ctx, "Invalid request")
				return
			}
			gid := uint(id)
			goalID = &gid
		}

		_, err := ledger.RecordConversionByHandle(ctx, form.TestHandle, visitor, dbpkg.GoalType(form.ConversionType), goalID)
		switch {
		case err == nil:
			trackResult(ctx, "")
		case apperr.Validation.Has(err):
			trackResult(ctx, "Invalid request")
		case apperr.NotFound.Has(err):
			trackResult(ctx, "Not found")
		default:
			logrus.WithError(err).WithField("experiment", form.TestHandle).Error("conversion not recorded")
			trackResult(ctx, "Internal error")
		}
	}
}

func trackResult(ctx *fasthttp.RequestCtx, errMsg string) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	if errMsg == "" {
		jsonResponse(ctx, map[string]any{"success": true})
		return
	}
	jsonResponse(ctx, map[string]any{"success": false, "error": errMsg})
}
