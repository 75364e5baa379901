package handlers

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"splitlab/internal/content"
)

type insertNodeRequest struct {
	ID       int64 `json:"id" validate:"required,gt=0"`
	ParentID int64 `json:"parentId" validate:"gte=0"`
	SortKey  int   `json:"sortKey"`
}

type moveNodeRequest struct {
	ParentID int64 `json:"parentId" validate:"gte=0"`
}

type loadTreeRequest struct {
	Nodes []content.Node `json:"nodes" validate:"required,dive"`
}

func InsertNode(tree *content.Tree) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req insertNodeRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}
		if err := tree.Insert(ctx, req.ID, req.ParentID, req.SortKey); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{"id": req.ID})
	}
}

func MoveNode(tree *content.Tree) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := nodeParam(ctx, "id")
		if !ok {
			return
		}
		var req moveNodeRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}
		if err := tree.Move(ctx, id, req.ParentID); err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"id": id, "parentId": req.ParentID})
	}
}

func DeleteNode(tree *content.Tree) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := nodeParam(ctx, "id")
		if !ok {
			return
		}
		if err := tree.Delete(ctx, id); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

// LoadTree replaces the whole tree and then calls rebuild, which is expected
// to queue cascade rebuilds for every running experiment.
func LoadTree(tree *content.Tree, rebuild func(context.Context) (int, error)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req loadTreeRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}
		if err := tree.Load(req.Nodes); err != nil {
			writeError(ctx, err)
			return
		}
		queued, err := rebuild(ctx)
		if err != nil {
			logrus.WithError(err).Warn("tree loaded but cascade rebuilds were not queued")
		}
		jsonResponse(ctx, map[string]any{"nodes": tree.Len(), "rebuildsQueued": queued})
	}
}
