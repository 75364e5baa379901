package handlers

import (
	"errors"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"splitlab/internal/config"
	dbpkg "splitlab/internal/db"
)

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	IsAdmin  bool   `json:"isAdmin"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func ListUsers(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		users, err := store.ListUsers(ctx)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list users")
			return
		}
		jsonResponse(ctx, map[string]any{"users": users})
	}
}

func CreateUser(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createUserRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}

		user, err := store.CreateUser(ctx, req.Username, req.Password, req.IsAdmin)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "failed to create user (username may already exist)")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, user)
	}
}

// loadManagedUser fetches the user named by the id route parameter and
// refuses the bootstrap admin, which is owned by the environment.
func loadManagedUser(ctx *fasthttp.RequestCtx, store *dbpkg.Store, cfg *config.Config) (*dbpkg.User, bool) {
	id, ok := idParam(ctx, "id")
	if !ok {
		return nil, false
	}
	user, err := store.UserByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errResponse(ctx, fasthttp.StatusNotFound, "user not found")
		return nil, false
	}
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load user")
		return nil, false
	}
	if user.Username == cfg.AdminUser {
		errResponse(ctx, fasthttp.StatusForbidden, "cannot modify bootstrap admin user")
		return nil, false
	}
	return user, true
}

func ResetPassword(store *dbpkg.Store, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := loadManagedUser(ctx, store, cfg)
		if !ok {
			return
		}
		var req resetPasswordRequest
		if !decodeJSON(ctx, &req, false) {
			return
		}
		if err := store.SetPassword(ctx, user.ID, req.Password); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update password")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func DeleteUser(store *dbpkg.Store, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		user, ok := loadManagedUser(ctx, store, cfg)
		if !ok {
			return
		}
		current, ok := MustUser(ctx)
		if !ok {
			return
		}
		if current.ID == user.ID {
			errResponse(ctx, fasthttp.StatusForbidden, "cannot delete yourself")
			return
		}
		if err := store.DeleteUser(ctx, user.ID); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete user")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}
