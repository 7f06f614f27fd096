package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/dto"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/middleware"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

// StudioHandler serves the paid generation endpoints.
type StudioHandler struct {
	studio   service.StudioService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewStudioHandler(studio service.StudioService, v *validator.Validate, logger zerolog.Logger) *StudioHandler {
	return &StudioHandler{studio: studio, validate: v, logger: logger.With().Str("handler", "StudioHandler").Logger()}
}

// RegisterRoutes mounts the paid endpoints.
func (h *StudioHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /images/generate", authMw(http.HandlerFunc(h.generateImage)))
	mux.Handle("POST /images/edit", authMw(http.HandlerFunc(h.editImage)))
	mux.Handle("POST /images/batch", authMw(http.HandlerFunc(h.batchGenerate)))
	mux.Handle("POST /scientific-drawings", authMw(http.HandlerFunc(h.scientificDrawing)))
	mux.Handle("POST /outlines", authMw(http.HandlerFunc(h.generateOutline)))
}

func upstream(o dto.UpstreamOverrides) service.Upstream {
	return service.Upstream{Model: o.Model, APIKey: o.APIKey, BaseURL: o.BaseURL}
}

func (h *StudioHandler) writeReceipt(w http.ResponseWriter, receipt *quota.Receipt) {
	resp := dto.GenerationResponse{
		QuotaCost:      receipt.Cost,
		QuotaRemaining: receipt.Remaining,
		TransactionID:  receipt.TransactionID,
	}
	if receipt.Artifact != nil {
		resp.ImageURL = receipt.Artifact.ImageURL
		resp.Text = receipt.Artifact.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StudioHandler) generateImage(w http.ResponseWriter, r *http.Request) {
	var req dto.GenerateImageRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	receipt, err := h.studio.GenerateImage(r.Context(), middleware.UserIDFromContext(r.Context()), service.GenerateImageInput{
		Upstream:    upstream(req.UpstreamOverrides),
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	h.writeReceipt(w, receipt)
}

func (h *StudioHandler) editImage(w http.ResponseWriter, r *http.Request) {
	var req dto.EditImageRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	receipt, err := h.studio.EditImage(r.Context(), middleware.UserIDFromContext(r.Context()), service.EditImageInput{
		Upstream: upstream(req.UpstreamOverrides),
		Prompt:   req.Prompt,
		Tool:     req.Tool,
		Images:   req.Images,
	})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	h.writeReceipt(w, receipt)
}

func (h *StudioHandler) scientificDrawing(w http.ResponseWriter, r *http.Request) {
	var req dto.ScientificDrawingRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	receipt, err := h.studio.ScientificDrawing(r.Context(), middleware.UserIDFromContext(r.Context()), service.ScientificDrawingInput{
		Upstream: upstream(req.UpstreamOverrides),
		Prompt:   req.Prompt,
		Subject:  req.Subject,
	})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	h.writeReceipt(w, receipt)
}

func (h *StudioHandler) generateOutline(w http.ResponseWriter, r *http.Request) {
	var req dto.OutlineRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	receipt, err := h.studio.GenerateOutline(r.Context(), middleware.UserIDFromContext(r.Context()), service.OutlineInput{
		Upstream: upstream(req.UpstreamOverrides),
		Topic:    req.Topic,
		Sections: req.Sections,
	})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	h.writeReceipt(w, receipt)
}

func (h *StudioHandler) batchGenerate(w http.ResponseWriter, r *http.Request) {
	var req dto.BatchGenerateRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	receipt, err := h.studio.BatchGenerate(r.Context(), middleware.UserIDFromContext(r.Context()), service.BatchGenerateInput{
		Upstream:    upstream(req.UpstreamOverrides),
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Count:       req.Count,
	})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	resp := dto.BatchGenerateResponse{
		Results:        make([]dto.BatchUnitResponse, 0, len(receipt.Units)),
		Succeeded:      receipt.Succeeded(),
		QuotaCost:      receipt.TotalCharged,
		QuotaRemaining: receipt.Remaining,
	}
	for _, u := range receipt.Units {
		item := dto.BatchUnitResponse{Index: u.Index, Charged: u.Cost}
		if u.Artifact != nil {
			item.ImageURL = u.Artifact.ImageURL
		}
		switch {
		case u.Err != nil:
			item.Error = quota.CodeCapabilityFailed
		case u.SettleErr != nil:
			item.Error = quota.CodeQuotaDeductionFailed
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}
