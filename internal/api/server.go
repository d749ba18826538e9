package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shopsys/internal/config"
	"shopsys/internal/ledger"
	"shopsys/internal/pricing"
	"shopsys/internal/store"
	"shopsys/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Admin is the node-level control surface behind /v1/admin.
type Admin interface {
	Reload(ctx context.Context) error
	RequestSync(ctx context.Context) bool
	RequestGlobalReload(ctx context.Context) bool
}

type Deps struct {
	Ledger  *ledger.Service
	Prices  *pricing.Engine
	Trades  *trade.Service
	History store.PriceStore
	Admin   Admin
	// Health reports backing store reachability for /healthz.
	Health      func(ctx context.Context) error
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

type Server struct {
	cfg config.HTTPConfig
	d   Deps
	log *slog.Logger
	mux *chi.Mux
}

func New(cfg config.HTTPConfig, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		d:   d,
		log: logger,
		mux: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.d.Metrics != nil {
		path := s.d.MetricsPath
		if path == "" {
			path = config.DefaultMetricsPath
		}
		r.Method(http.MethodGet, path, s.d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts/top", s.handleTop)
		r.Get("/accounts/{id}/balance", s.handleBalance)
		r.Get("/accounts/{id}/entries", s.handleEntries)
		r.Post("/transfers", s.handleTransfer)

		r.Get("/items", s.handleItems)
		r.Get("/items/popular", s.handlePopular)
		r.Get("/items/{id}", s.handleItem)
		r.Get("/items/{id}/history", s.handleHistory)
		r.Post("/trades", s.handleTrade)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/accounts/{id}/deposit", s.handleDeposit)
			r.Post("/accounts/{id}/withdraw", s.handleWithdraw)
			r.Post("/accounts/{id}/set", s.handleSetBalance)
			r.Post("/items/{id}/history", s.handleAppendHistory)
			r.Put("/items/{id}/price", s.handleSetPrice)
			r.Post("/admin/decay", s.handleDecay)
			r.Post("/admin/reload", s.handleReload)
			r.Post("/admin/sync", s.handleSync)
			r.Post("/admin/global-reload", s.handleGlobalReload)
		})
	})
}

// adminMiddleware requires the configured admin token. With no token
// configured admin routes are open.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.AdminToken
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Health != nil {
		if err := s.d.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type balanceView struct {
	Account   uuid.UUID       `json:"account"`
	Balance   decimal.Decimal `json:"balance"`
	Formatted string          `json:"formatted"`
}

func (s *Server) balanceView(account uuid.UUID, balance decimal.Decimal) balanceView {
	return balanceView{Account: account, Balance: balance, Formatted: s.d.Ledger.Format(balance)}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	balance, err := s.d.Ledger.GetBalance(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.balanceView(account, balance))
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	entries, err := s.d.Ledger.Entries(r.Context(), account, queryInt(r, "limit", store.DefaultHistoryLimit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "entries": entries})
}

type rankedAccount struct {
	Rank int `json:"rank"`
	balanceView
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	rows, err := s.d.Ledger.Top(r.Context(), page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]rankedAccount, 0, len(rows))
	for i, a := range rows {
		out = append(out, rankedAccount{
			Rank:        (page-1)*ledger.TopPageSize + i + 1,
			balanceView: s.balanceView(a.ID, a.Balance),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "accounts": out})
}

type amountRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.d.Ledger.Deposit, store.KindDeposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.d.Ledger.Withdraw, store.KindWithdraw)
}

type ledgerOp func(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (ledger.Result, error)

func (s *Server) handleLedgerOp(w http.ResponseWriter, r *http.Request, op ledgerOp, kind store.EntryKind) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	var in amountRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = "admin " + strings.ToLower(string(kind))
	}
	res, err := op(r.Context(), account, in.Amount, kind, desc)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.balanceView(account, res.Balance))
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	var in amountRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.d.Ledger.SetBalance(r.Context(), account, in.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.balanceView(account, res.Balance))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		From   uuid.UUID       `json:"from"`
		To     uuid.UUID       `json:"to"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.From == uuid.Nil || in.To == uuid.Nil {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	res, err := s.d.Ledger.Transfer(r.Context(), in.From, in.To, in.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":    res.From.Amount,
		"formatted": s.d.Ledger.Format(res.From.Amount),
		"from":      s.balanceView(in.From, res.From.Balance),
		"to":        s.balanceView(in.To, res.To.Balance),
	})
}

func (s *Server) handleItems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.d.Prices.Items()})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, ok := s.d.Prices.Quote(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown item "+id)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	rows, err := s.d.History.Popular(r.Context(), queryInt(r, "limit", store.DefaultHistoryLimit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := s.d.History.History(r.Context(), id, queryInt(r, "limit", store.DefaultHistoryLimit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "history": rows})
}

func (s *Server) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Price     decimal.Decimal `json:"price"`
		ChangedBy string          `json:"changed_by"`
		Reason    string          `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Price.IsNegative() {
		writeError(w, http.StatusBadRequest, "price must not be negative")
		return
	}
	entry := store.PriceHistoryEntry{ItemID: id, Price: in.Price, ChangedBy: in.ChangedBy, Reason: in.Reason}
	if err := s.d.History.AppendHistory(r.Context(), entry); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Buy  decimal.Decimal `json:"buy"`
		Sell decimal.Decimal `json:"sell"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, delivered, err := s.d.Prices.Override(r.Context(), id, in.Buy, in.Sell)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": q, "delivered": delivered})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var in trade.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Account == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	in.Side = trade.Side(strings.ToLower(strings.TrimSpace(string(in.Side))))
	if in.Side != trade.SideBuy && in.Side != trade.SideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	receipt, err := s.d.Trades.Execute(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":   receipt,
		"formatted": s.d.Ledger.Format(receipt.Total),
	})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	changed := s.d.Prices.Decay(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Admin.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": len(s.d.Prices.Items())})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": s.d.Admin.RequestSync(r.Context())})
}

func (s *Server) handleGlobalReload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": s.d.Admin.RequestGlobalReload(r.Context())})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, trade.ErrInvalidUnits),
		errors.Is(err, pricing.ErrInvalidUnits),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, trade.ErrNotForSale):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, pricing.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrAlreadyPurchased), errors.Is(err, trade.ErrInventory):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrCompensationFailed):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func accountParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
