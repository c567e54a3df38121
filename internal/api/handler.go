package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/payments"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// maxListLimit caps the limit query parameter on list endpoints.
const maxListLimit = 1000

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	engine   *engine.Context
	payments *payments.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, ec *engine.Context, version string) *Handler {
	h := &Handler{
		repo:    repo,
		cache:   cache,
		engine:  ec,
		version: version,
	}
	if repo != nil {
		h.payments = payments.NewService(repo, ec, nil)
	}
	return h
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	EvaluationID   string          `json:"evaluationId"`
	RiskScore      float64         `json:"riskScore"`
	Decision       domain.Decision `json:"decision"`
	Explanation    []string        `json:"explanation"`
	Mode           string          `json:"mode"`
	DegradedReason string          `json:"degradedReason,omitempty"`
	Metadata       struct {
		TraceID       string `json:"traceId"`
		ModelVersion  string `json:"modelVersion"`
		CacheHit      bool   `json:"cacheHit"`
		ScoreMs       int64  `json:"scoreMs"`
		AttributionMs int64  `json:"attributionMs"`
		TotalMs       int64  `json:"totalMs"`
		Version       string `json:"version"`
	} `json:"metadata"`
}

// Score handles POST /score: a raw feature mapping in, a decision out.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var in map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil || in == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object of feature values")
		return
	}

	res, err := h.engine.ScoreInput(ctx, in)
	if err != nil {
		var inErr *features.InputError
		if errors.As(err, &inErr) {
			writeError(w, http.StatusBadRequest, inErr.Error())
			return
		}
		slog.Error("scoring failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, res.Evaluation("", "", traceID)); err != nil {
			slog.Error("failed to save evaluation", "id", res.EvaluationID, "error", err)
		}
	}

	resp := ScoreResponse{
		EvaluationID:   res.EvaluationID,
		RiskScore:      res.RiskScore,
		Decision:       res.Decision,
		Explanation:    res.Explanation,
		Mode:           res.Mode,
		DegradedReason: res.DegradedReason,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.ModelVersion = res.ModelVersion
	resp.Metadata.CacheHit = res.CacheHit
	resp.Metadata.ScoreMs = res.ScoreMs
	resp.Metadata.AttributionMs = res.AttributionMs
	resp.Metadata.TotalMs = res.TotalMs
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// SendTransaction handles POST /transactions.
func (h *Handler) SendTransaction(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req payments.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	res, err := h.payments.Send(r.Context(), req)
	if err != nil {
		status := sendErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("transaction failed", "source", req.SourceAccount, "error", err)
			writeError(w, status, "transaction failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func sendErrorStatus(err error) int {
	var inErr *features.InputError
	switch {
	case errors.Is(err, payments.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, payments.ErrAccountOnHold):
		return http.StatusForbidden
	case errors.Is(err, payments.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, payments.ErrInsufficientFunds),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrInvalidRequest),
		errors.As(err, &inErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		h.lookupFailed(w, "transaction", txID, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetAccount retrieves an account by number.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	number := chi.URLParam(r, "number")

	acct, err := h.repo.GetAccount(r.Context(), number)
	if err != nil {
		h.lookupFailed(w, "account", number, err)
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// ListAccountTransactions lists transactions sent or received by an account.
func (h *Handler) ListAccountTransactions(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	number := chi.URLParam(r, "number")

	if _, err := h.repo.GetAccount(r.Context(), number); err != nil {
		h.lookupFailed(w, "account", number, err)
		return
	}
	h.listTransactions(w, r, number)
}

// ListTransactions lists recent transactions, optionally filtered by the
// account query parameter.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	h.listTransactions(w, r, r.URL.Query().Get("account"))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, account string) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	txs, err := h.repo.ListTransactions(r.Context(), account, limit)
	if err != nil {
		slog.Error("failed to list transactions", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Stats returns dashboard counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		slog.Error("failed to compute stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ListAccounts returns provisioned accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	accounts, err := h.repo.ListAccounts(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// AccountRequest is the request body for PUT /admin/accounts/{number}.
// Omitted fields keep their current value on an existing account.
type AccountRequest struct {
	Name    *string  `json:"name"`
	Phone   *string  `json:"phone"`
	Email   *string  `json:"email"`
	Balance *float64 `json:"balance"`
	Status  *string  `json:"status"`
}

// PutAccount provisions a new account or updates an existing one.
func (h *Handler) PutAccount(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	if _, err := strconv.ParseUint(number, 10, 64); err != nil {
		writeError(w, http.StatusBadRequest, "account number must be numeric")
		return
	}

	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Balance != nil && *req.Balance < 0 {
		writeError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}

	status := http.StatusOK
	acct, err := h.repo.GetAccount(ctx, number)
	if errors.Is(err, repository.ErrNotFound) {
		acct = &domain.Account{Number: number, Status: domain.AccountActive}
		status = http.StatusCreated
	} else if err != nil {
		slog.Error("failed to load account", "number", number, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	if req.Name != nil {
		acct.Name = *req.Name
	}
	if req.Phone != nil {
		acct.Phone = *req.Phone
	}
	if req.Email != nil {
		acct.Email = *req.Email
	}
	if req.Balance != nil {
		acct.Balance = *req.Balance
	}
	if req.Status != nil {
		acct.Status = *req.Status
	}

	if err := h.repo.SaveAccount(ctx, acct); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save account", "number", number, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save account")
		return
	}

	saved, err := h.repo.GetAccount(ctx, number)
	if err != nil {
		saved = acct
	}

	slog.Info("account saved", "number", number, "status", saved.Status)
	writeJSON(w, status, saved)
}

// HoldAccount places an account on HOLD.
func (h *Handler) HoldAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountStatus(w, r, domain.AccountHold)
}

// ReleaseAccount returns a held account to ACTIVE.
func (h *Handler) ReleaseAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountStatus(w, r, domain.AccountActive)
}

func (h *Handler) setAccountStatus(w http.ResponseWriter, r *http.Request, status string) {
	if h.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	var err error
	if status == domain.AccountHold {
		err = h.payments.Hold(ctx, number)
	} else {
		err = h.payments.Release(ctx, number)
	}
	if errors.Is(err, payments.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		slog.Error("failed to update account status", "number", number, "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update account status")
		return
	}

	slog.Info("account status changed", "number", number, "status", status)
	writeJSON(w, http.StatusOK, map[string]string{
		"number": number,
		"status": status,
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	evalID := chi.URLParam(r, "id")

	eval, err := h.repo.GetEvaluation(r.Context(), evalID)
	if err != nil {
		h.lookupFailed(w, "evaluation", evalID, err)
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ModelInfo describes the loaded model and decision policy.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Info())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server accepts traffic and whether scores come
// from the models or from the degraded fallback.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	info := h.engine.Info()
	resp := map[string]interface{}{
		"ready": true,
		"mode":  info.Mode,
		"model": info.ModelVersion,
	}
	if info.DegradedReason != "" {
		resp["degradedReason"] = info.DegradedReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

func (h *Handler) lookupFailed(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("lookup failed", "kind", kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
