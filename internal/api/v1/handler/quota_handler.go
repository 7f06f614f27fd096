package handler

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/dto"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/middleware"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

type QuotaHandler struct {
	quotaService service.QuotaService
	logger       zerolog.Logger
}

func NewQuotaHandler(quotaService service.QuotaService, logger zerolog.Logger) *QuotaHandler {
	return &QuotaHandler{quotaService: quotaService, logger: logger.With().Str("handler", "QuotaHandler").Logger()}
}

// RegisterRoutes mounts v1 quota routes
func (h *QuotaHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("GET /quota", authMw(http.HandlerFunc(h.getBalance)))
	mux.Handle("GET /quota/transactions", authMw(http.HandlerFunc(h.listTransactions)))
}

func (h *QuotaHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	bal, err := h.quotaService.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to read quota balance")
		return
	}
	writeJSON(w, http.StatusOK, dto.QuotaBalanceResponse{
		SubscriptionRemaining: bal.SubscriptionRemaining,
		ExtraPackageRemaining: bal.ExtraPackageRemaining,
		TotalRemaining:        bal.TotalRemaining,
	})
}

func (h *QuotaHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	limit := service.DefaultTransactionLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, service.MaxTransactionLimit)
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	txs, err := h.quotaService.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list quota transactions")
		return
	}

	resp := dto.QuotaTransactionsResponse{
		Transactions: make([]dto.QuotaTransactionResponse, 0, len(txs)),
		Limit:        limit,
		Offset:       offset,
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, dto.QuotaTransactionResponse{
			ID:        tx.ID,
			Amount:    tx.Amount,
			Action:    tx.Action,
			Metadata:  tx.Metadata,
			CreatedAt: tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
