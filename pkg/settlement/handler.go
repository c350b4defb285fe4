package settlement

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MaulRai/vessel/pkg/api"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

const maxBodyBytes = 64 << 10

// CodeLedgerUnavailable is served when the backend cannot reach its store or the ledger.
const CodeLedgerUnavailable = "ledger_unavailable"

// Handler serves the settlement HTTP API.
type Handler struct {
	svc     *Service
	decoder *RequestDecoder
	logger  *slog.Logger
}

func NewHandler(svc *Service) (*Handler, error) {
	dec, err := NewRequestDecoder()
	if err != nil {
		return nil, err
	}
	return &Handler{
		svc:     svc,
		decoder: dec,
		logger:  slog.Default().With("component", "settlement-http"),
	}, nil
}

// Routes mounts the API on a chi router. limiter may be nil.
func (h *Handler) Routes(limiter *api.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.AccessLog(h.logger))

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Get("/v1/pools/{pool_id}", h.getPool)
		r.Get("/v1/pools/{pool_id}/limits", h.getLimits)
		r.Post("/v1/investments/confirm", h.confirm)
		r.Get("/v1/investments/{tx_hash}", h.getCommitment)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store().Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "health check failed", "error", err)
		api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pool_id")
	p, err := h.svc.Pool(r.Context(), id)
	if errors.Is(err, pool.ErrPoolNotFound) {
		api.WriteProblem(w, r, http.StatusNotFound, string(CodePoolNotFound), "pool "+id+" does not exist")
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

type limitsResponse struct {
	PoolID  string       `json:"pool_id"`
	Tranche pool.Tranche `json:"tranche"`
	tranche.Limits
}

func (h *Handler) getLimits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pool_id")
	t, err := pool.ParseTranche(r.URL.Query().Get("tranche"))
	if err != nil {
		api.WriteProblem(w, r, http.StatusBadRequest, string(CodeInvalidRequest), err.Error())
		return
	}
	limits, err := h.svc.Limits(r.Context(), id, t)
	switch {
	case errors.Is(err, pool.ErrPoolNotFound):
		api.WriteProblem(w, r, http.StatusNotFound, string(CodePoolNotFound), "pool "+id+" does not exist")
		return
	case errors.Is(err, tranche.ErrTrancheClosed):
		api.WriteProblem(w, r, http.StatusConflict, string(tranche.BoundTrancheClosed), "tranche "+string(t)+" has no remaining capacity")
		return
	case err != nil:
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, limitsResponse{PoolID: id, Tranche: t, Limits: limits})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		api.WriteProblem(w, r, http.StatusBadRequest, string(CodeInvalidRequest), "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		api.WriteProblem(w, r, http.StatusRequestEntityTooLarge, string(CodeInvalidRequest), "body too large")
		return
	}
	req, err := h.decoder.Decode(body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	c, replayed, err := h.svc.Confirm(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, c)
}

func (h *Handler) getCommitment(w http.ResponseWriter, r *http.Request) {
	tx := ledger.TxRef(chi.URLParam(r, "tx_hash"))
	c, err := h.svc.Lookup(r.Context(), tx)
	if errors.Is(err, ErrCommitmentNotFound) {
		api.WriteNotFound(w, "no commitment for transaction "+tx.String())
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := AsRejection(err); ok {
		api.WriteProblem(w, r, rej.Code.HTTPStatus(), string(rej.Code), rej.Detail)
		return
	}
	if errors.Is(err, ErrUnavailable) {
		h.logger.WarnContext(r.Context(), "confirmation unavailable", "error", err)
		api.WriteProblem(w, r, http.StatusServiceUnavailable, CodeLedgerUnavailable, "settlement is temporarily unavailable")
		return
	}
	api.WriteInternal(w, err)
}
