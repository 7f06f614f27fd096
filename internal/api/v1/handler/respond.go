package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/dto"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, dto.ErrorResponse{Error: code, Message: msg})
}

// decodeJSON reads and validates a request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// writeGateError maps the quota taxonomy and request errors to JSON.
func writeGateError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var (
		disabled  *quota.AccountDisabledError
		exhausted *quota.QuotaExhaustedError
		settle    *quota.SettlementError
		capErr    *quota.CapabilityError
		upstream  *service.UpstreamError
	)
	switch {
	case errors.Is(err, quota.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, quota.CodeAuthRequired, "Authentication required")
	case errors.As(err, &disabled):
		writeJSON(w, http.StatusForbidden, dto.ErrorResponse{
			Error:   quota.CodeAccountDisabled,
			Message: "Account is disabled",
			Reason:  disabled.Reason,
		})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusForbidden, dto.ErrorResponse{
			Error:     quota.CodeQuotaExhausted,
			Message:   "Not enough quota for this operation",
			Required:  &exhausted.Required,
			Remaining: &exhausted.Remaining,
		})
	case errors.As(err, &settle):
		resp := dto.ErrorResponse{Error: quota.CodeQuotaDeductionFailed, Message: "Quota deduction failed"}
		if settle.Artifact != nil {
			resp.ImageURL = settle.Artifact.ImageURL
		}
		if settle.Batch != nil {
			for _, u := range settle.Batch.Units {
				if u.Artifact != nil {
					resp.ImageURLs = append(resp.ImageURLs, u.Artifact.ImageURL)
				}
			}
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	case errors.As(err, &capErr):
		msg := "Generation failed"
		if errors.As(capErr.Err, &upstream) {
			msg = upstream.Error()
		}
		writeError(w, http.StatusInternalServerError, quota.CodeCapabilityFailed, msg)
	case errors.Is(err, service.ErrUnknownEditTool), errors.Is(err, service.ErrInvalidBatchSize),
		errors.Is(err, service.ErrBaseURLNeedsKey):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		logger.Error().Err(err).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}
