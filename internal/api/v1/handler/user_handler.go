package handler

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/dto"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/middleware"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

type UserHandler struct {
	userService service.UserService
	keyService  service.ProviderKeyService
	validate    *validator.Validate
	logger      zerolog.Logger
}

func NewUserHandler(userService service.UserService, keyService service.ProviderKeyService, v *validator.Validate, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		userService: userService,
		keyService:  keyService,
		validate:    v,
		logger:      logger.With().Str("handler", "UserHandler").Logger(),
	}
}

// RegisterRoutes mounts v1 user routes
func (h *UserHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/users/me", authMw(http.HandlerFunc(h.handleUsers)))
	mux.Handle("PUT /users/me/provider-keys", authMw(http.HandlerFunc(h.putProviderKey)))
	mux.Handle("DELETE /users/me/provider-keys/{provider}", authMw(http.HandlerFunc(h.deleteProviderKey)))
}

func (h *UserHandler) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createUser(w, r)
	case http.MethodGet:
		h.getUser(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "Method Not Allowed")
	}
}

func toUserResponse(u *model.Account) dto.UserResponseDTO {
	return dto.UserResponseDTO{
		UserID:         u.UserID,
		Name:           u.Name,
		Email:          u.Email,
		AvatarURL:      u.AvatarURL,
		Disabled:       u.Disabled,
		DisabledReason: u.DisabledReason,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (h *UserHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req dto.UserCreateDTO
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	userModel := &model.Account{
		UserID:    middleware.UserIDFromContext(r.Context()),
		Name:      req.Name,
		Email:     req.Email,
		AvatarURL: req.AvatarURL,
	}
	created, err := h.userService.Create(r.Context(), userModel)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userModel.UserID).Msg("failed to create user")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(created))
}

func (h *UserHandler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.userService.Get(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to load user")
		}
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *UserHandler) putProviderKey(w http.ResponseWriter, r *http.Request) {
	var req dto.ProviderKeyRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	if err := h.keyService.Store(r.Context(), userID, req.Provider, req.APIKey); err != nil {
		h.writeKeyError(w, userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) deleteProviderKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if err := h.keyService.Delete(r.Context(), userID, r.PathValue("provider")); err != nil {
		h.writeKeyError(w, userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) writeKeyError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, service.ErrUnsupportedProvider), errors.Is(err, service.ErrInvalidProviderKey):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, service.ErrKeyStorageDisabled):
		writeError(w, http.StatusNotImplemented, CodeInternal, "Provider key storage is not enabled")
	default:
		h.logger.Error().Err(err).Str("user_id", userID).Msg("provider key operation failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Provider key operation failed")
	}
}
