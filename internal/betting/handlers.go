package betting

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/ledger"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/settlement"
	"github.com/lottonet/ledger-core/internal/store"
	"github.com/lottonet/ledger-core/internal/tenant"
)

// Routes mounts the API on r behind the authn middleware.
func (s *Service) Routes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authn)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/bets", s.handlePlaceBet)
		r.Get("/bets", s.handleListBets)
		r.Get("/bets/{betID}", s.handleGetBet)
		r.Post("/bets/{betID}/cancel", s.handleCancelBet)

		r.Get("/ledger/{userID}", s.handleLedgerState)
		r.Get("/commissions", s.handleListCommissions)

		r.Post("/results", s.handleIngestResult)

		r.Post("/admin/weekly-reset", s.handleWeeklyReset)
		r.Get("/admin/resets", s.handleResetHistory)
	})
}

// IngestResponse is the JSON body returned from POST /results.
type IngestResponse struct {
	Result *model.DrawResult  `json:"result"`
	Report *settlement.Report `json:"report"`
}

// handlePlaceBet handles POST /bets
func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bet, err := s.PlaceBet(r.Context(), caller, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// handleCancelBet handles POST /bets/{betID}/cancel
func (s *Service) handleCancelBet(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	bet, err := s.CancelBet(r.Context(), caller, chi.URLParam(r, "betID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// handleGetBet handles GET /bets/{betID}
func (s *Service) handleGetBet(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	bet, err := s.GetBet(r.Context(), caller, chi.URLParam(r, "betID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// handleListBets handles GET /bets
// Optional filters: ?owner_id= &status= &draw_date= &provider= &limit=
func (s *Service) handleListBets(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	q := r.URL.Query()

	bets, err := s.ListBets(r.Context(), caller, model.BetFilter{
		TenantID: q.Get("tenant_id"),
		OwnerID:  q.Get("owner_id"),
		Status:   model.BetStatus(q.Get("status")),
		DrawDate: q.Get("draw_date"),
		Provider: q.Get("provider"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// handleLedgerState handles GET /ledger/{userID}
func (s *Service) handleLedgerState(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	state, err := s.LedgerState(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleListCommissions handles GET /commissions
// Optional filters: ?recipient_id= &bet_id= &limit=
func (s *Service) handleListCommissions(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	q := r.URL.Query()

	rows, err := s.ListCommissions(r.Context(), caller, model.CommissionFilter{
		TenantID:    q.Get("tenant_id"),
		RecipientID: q.Get("recipient_id"),
		BetID:       q.Get("bet_id"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.Commission{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleIngestResult handles POST /results
func (s *Service) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, rep, err := s.IngestResult(r.Context(), caller, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{Result: result, Report: rep})
}

// handleWeeklyReset handles POST /admin/weekly-reset
func (s *Service) handleWeeklyReset(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	run, err := s.WeeklyReset(r.Context(), caller)
	if err != nil && run == nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, run)
}

// handleResetHistory handles GET /admin/resets?limit=
func (s *Service) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	runs, err := s.ResetHistory(r.Context(), caller, queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.ResetRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// limitExceededBody is returned with 409 when a reservation is rejected.
type limitExceededBody struct {
	Error     string          `json:"error"`
	Remaining decimal.Decimal `json:"remaining"`
	Requested decimal.Decimal `json:"requested"`
}

// fail maps a service error to an HTTP response. Internal failures are
// logged in full and answered with a generic message.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	var lim *ledger.LimitExceededError
	switch {
	case errors.As(err, &lim):
		writeJSON(w, http.StatusConflict, limitExceededBody{
			Error:     lim.Error(),
			Remaining: lim.Remaining,
			Requested: lim.Requested,
		})
	case errors.Is(err, ErrNotPending):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, tenant.ErrTenantViolation), errors.Is(err, tenant.ErrInvalidCaller):
		// Already logged at Error by the guard.
		writeError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrProviderInvalid), errors.Is(err, ErrInvalidBet), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		s.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
