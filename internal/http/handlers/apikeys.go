package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"splitlab/internal/config"
	dbpkg "splitlab/internal/db"
)

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sl_" + base64.RawURLEncoding.EncodeToString(b), nil
}

type createAPIKeyRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func ListAPIKeys(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list API keys")
			return
		}
		jsonResponse(ctx, map[string]any{"keys": keys})
	}
}

// CreateAPIKey mints an integration key. The token is only returned here.
func CreateAPIKey(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createAPIKeyRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}

		key, err := generateAPIKey()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to generate API key")
			return
		}

		apiKey := &dbpkg.APIKey{
			Name:   req.Name,
			Scope:  dbpkg.ScopeIntegration,
			Key:    key,
			Active: true,
		}
		if err := store.CreateAPIKey(ctx, apiKey); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to create API key")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{"apiKey": apiKey, "key": key})
	}
}

func SetActiveAPIKey(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}
		var req setActiveRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}

		err := store.SetAPIKeyActive(ctx, id, *req.Active)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
			return
		}
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update API key")
			return
		}
		jsonResponse(ctx, map[string]any{"id": id, "active": *req.Active})
	}
}

func DeleteAPIKey(store *dbpkg.Store, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := idParam(ctx, "id")
		if !ok {
			return
		}

		apiKey, err := store.APIKeyByID(ctx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
			return
		}
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load API key")
			return
		}

		if cfg.APIKey != "" && apiKey.Key == cfg.APIKey {
			errResponse(ctx, fasthttp.StatusForbidden, "cannot delete bootstrap API key")
			return
		}

		if err := store.DeleteAPIKey(ctx, id); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete API key")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}
