package handlers

import (
	"github.com/valyala/fasthttp"

	"splitlab/internal/experiments"
	"splitlab/internal/results"
)

type goalsRequest struct {
	Goals []experiments.GoalInput `json:"goals" validate:"dive"`
}

type completeRequest struct {
	Winner string `json:"winner" validate:"omitempty,oneof=control variant"`
}

func ListExperiments(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		list, err := svc.List(ctx)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"experiments": list})
	}
}

func CreateExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var in experiments.Input
		if !decodeJSON(ctx, &in, false) {
			return
		}
		exp, err := svc.Create(ctx, in)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, exp)
	}
}

func GetExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		exp, err := svc.Get(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, exp)
	}
}

func UpdateExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		var in experiments.Input
		if !decodeJSON(ctx, &in, false) {
			return
		}
		exp, err := svc.Update(ctx, id, in)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, exp)
	}
}

func DeleteExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		if err := svc.Delete(ctx, id); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func SetGoals(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		var req goalsRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}
		goals, err := svc.SetGoals(ctx, id, req.Goals)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"goals": goals})
	}
}

func StartExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		exp, err := svc.Start(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, exp)
	}
}

func PauseExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		exp, err := svc.Pause(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, exp)
	}
}

func CompleteExperiment(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		var req completeRequest
		if !decodeJSON(ctx, &req, true) {
			return
		}
		exp, err := svc.Complete(ctx, id, req.Winner)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, exp)
	}
}

func RebuildCascade(svc *experiments.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		out, err := svc.Rebuild(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		if out.Deferred {
			ctx.SetStatusCode(fasthttp.StatusAccepted)
		}
		jsonResponse(ctx, out)
	}
}

func ExperimentResults(svc *experiments.Service, reports *results.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		exp, err := svc.Get(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		rep, err := reports.Report(ctx, exp)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, rep)
	}
}

func ExperimentEstimate(svc *experiments.Service, reports *results.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		exp, err := svc.Get(ctx, id)
		if err != nil {
			writeError(ctx, err)
			return
		}
		est, err := reports.Estimate(ctx, exp)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"estimate": est})
	}
}
