package settlementd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"vaultdist/native/claims"
	"vaultdist/native/reconcile"
	"vaultdist/observability"
	"vaultdist/services/settlementd/storage"
)

// Server exposes the query and admin surface of the settlement daemon.
type Server struct {
	store      *storage.Store
	reconciler *reconcile.Engine
	processor  *Processor
	bearer     string
	limiter    *clientLimiter
	logger     *slog.Logger
}

// NewServer wires the HTTP surface over the store, reconciler, and
// processor.
func NewServer(store *storage.Store, reconciler *reconcile.Engine, processor *Processor, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		reconciler: reconciler,
		processor:  processor,
		bearer:     cfg.Admin.BearerToken,
		limiter:    newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		logger:     logger,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.With(s.limiter.middleware).Get("/claims", s.handleListClaims)
		r.With(s.limiter.middleware).Post("/vaults/{vaultID}/verify", s.handleVerify)
		r.With(s.requireBearer).Post("/claims/settle", s.handleSettle)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.ClaimFilter{
		VaultID:     strings.TrimSpace(query.Get("vault")),
		Participant: strings.TrimSpace(query.Get("participant")),
		Status:      claims.Status(strings.TrimSpace(query.Get("status"))),
		Type:        claims.Type(strings.TrimSpace(query.Get("type"))),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	list, err := s.store.ListClaims(filter)
	if err != nil {
		s.logger.Error("list claims", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	views := make([]claimView, 0, len(list))
	for _, claim := range list {
		views = append(views, newClaimView(claim))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": views})
}

type verifyRequest struct {
	Participant string `json:"participant"`
	Tolerance   *int64 `json:"tolerance"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var req verifyRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	opts := reconcile.Options{Participant: strings.TrimSpace(req.Participant)}
	if req.Tolerance != nil {
		if *req.Tolerance < 0 {
			writeError(w, http.StatusBadRequest, "tolerance must be non-negative")
			return
		}
		opts.Tolerance = big.NewInt(*req.Tolerance)
	}

	started := s.processor.now()
	report, err := s.reconciler.Verify(vaultID, opts)
	if errors.Is(err, reconcile.ErrVaultNotFound) {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	if err != nil {
		s.logger.Error("verify vault", "vault", vaultID, "error", err)
		writeError(w, http.StatusInternalServerError, "verification failure")
		return
	}
	observability.Reconcile().ObserveVerification(
		vaultID, report.Clean(), len(report.Discrepancies), report.TokenDelta, s.processor.now().Sub(started))
	s.annotateDiscrepancies(report)
	writeJSON(w, http.StatusOK, newReportView(report))
}

// annotateDiscrepancies stamps an audit annotation on every claim the
// verification flagged. Best effort: annotation failures are logged and the
// report is served regardless. Amounts are never touched here.
func (s *Server) annotateDiscrepancies(report *reconcile.Report) {
	verifiedAt := s.processor.now().Unix()
	annotations := make(map[string]*claims.AuditAnnotation)
	for _, d := range report.Discrepancies {
		annotation, ok := annotations[d.ClaimID]
		if !ok {
			annotation = &claims.AuditAnnotation{VerifiedAt: verifiedAt}
			annotations[d.ClaimID] = annotation
		}
		switch d.Field {
		case reconcile.FieldTokens:
			annotation.TokenDelta = bigString(d.Delta)
		case reconcile.FieldCurrency:
			annotation.CurrencyDelta = bigString(d.Delta)
		}
	}
	for id, annotation := range annotations {
		if _, err := s.processor.engine.MergeMetadata(id, claims.Metadata{Audit: annotation}); err != nil {
			s.logger.Warn("annotate audited claim", "claim", id, "error", err)
		}
	}
}

type settleRequest struct {
	ClaimIDs []string `json:"claimIds"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ClaimIDs) == 0 {
		writeError(w, http.StatusBadRequest, "claimIds required")
		return
	}
	outcomes, err := s.processor.Settle(r.Context(), req.ClaimIDs)
	switch {
	case errors.Is(err, claims.ErrClaimNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrNotSettleable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, storage.ErrLeaseHeld):
		writeError(w, http.StatusConflict, "settlement lease held, retry later")
		return
	case err != nil:
		s.logger.Error("manual settle", "error", err)
		writeError(w, http.StatusInternalServerError, "settlement failure")
		return
	}
	views := make([]outcomeView, 0, len(outcomes))
	for _, outcome := range outcomes {
		views = append(views, outcomeView{
			VaultID:   outcome.VaultID,
			Batches:   outcome.Batches,
			Claimed:   outcome.Claimed,
			Recovered: outcome.Recovered,
			Failed:    outcome.Failed,
			Skipped:   outcome.Skipped,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": views})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if s.bearer == "" || !strings.HasPrefix(header, "Bearer ") ||
			strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) != s.bearer {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMetrics records volume and latency per route into the shared
// prometheus registry.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.HTTP().Observe(route, r.Method, rec.status, time.Since(started))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// clientLimiter applies a token bucket per client address.
type clientLimiter struct {
	perSecond float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		perSecond: perSecond,
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.obtain(clientID(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *clientLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type claimView struct {
	ID            string          `json:"id"`
	Participant   string          `json:"participant"`
	VaultID       string          `json:"vaultId"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Tokens        string          `json:"tokens"`
	Currency      string          `json:"currency"`
	Multiplier    string          `json:"multiplier,omitempty"`
	Metadata      claims.Metadata `json:"metadata"`
	SourceTxID    string          `json:"sourceTxId,omitempty"`
	SettlementRef string          `json:"settlementRef,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

func newClaimView(c *claims.Claim) claimView {
	view := claimView{
		ID:            c.ID,
		Participant:   c.Participant,
		VaultID:       c.VaultID,
		Type:          string(c.Type),
		Status:        string(c.Status),
		Tokens:        bigString(c.Tokens),
		Currency:      bigString(c.Currency),
		Metadata:      c.Metadata,
		SourceTxID:    c.SourceTxID,
		SettlementRef: c.SettlementRef,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if c.Multiplier != nil {
		view.Multiplier = c.Multiplier.String()
	}
	return view
}

type outcomeView struct {
	VaultID   string `json:"vaultId"`
	Batches   int    `json:"batches"`
	Claimed   int    `json:"claimed"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type discrepancyView struct {
	ClaimID     string `json:"claimId"`
	Participant string `json:"participant"`
	SourceTxID  string `json:"sourceTxId,omitempty"`
	Type        string `json:"type"`
	Field       string `json:"field"`
	Stored      string `json:"stored"`
	Expected    string `json:"expected"`
	Delta       string `json:"delta"`
}

type missingView struct {
	Participant string `json:"participant"`
	SourceTxID  string `json:"sourceTxId,omitempty"`
	Type        string `json:"type"`
	Tokens      string `json:"tokens"`
	Currency    string `json:"currency"`
}

type participantView struct {
	Participant      string `json:"participant"`
	StoredTokens     string `json:"storedTokens"`
	ExpectedTokens   string `json:"expectedTokens"`
	StoredCurrency   string `json:"storedCurrency"`
	ExpectedCurrency string `json:"expectedCurrency"`
	WorstDelta       string `json:"worstDelta"`
	Discrepancies    int    `json:"discrepancies"`
}

type reportView struct {
	VaultID         string            `json:"vaultId"`
	GeneratedAt     int64             `json:"generatedAt"`
	Clean           bool              `json:"clean"`
	Supply          string            `json:"supply"`
	AllocatedTokens string            `json:"allocatedTokens"`
	SupplySlack     string            `json:"supplySlack"`
	SupplyExceeded  bool              `json:"supplyExceeded"`
	TokenDelta      string            `json:"tokenDelta"`
	CurrencyDelta   string            `json:"currencyDelta"`
	Discrepancies   []discrepancyView `json:"discrepancies"`
	Missing         []missingView     `json:"missing"`
	Participants    []participantView `json:"participants"`
}

func newReportView(report *reconcile.Report) reportView {
	view := reportView{
		VaultID:         report.VaultID,
		GeneratedAt:     report.GeneratedAt,
		Clean:           report.Clean(),
		Supply:          bigString(report.Supply),
		AllocatedTokens: bigString(report.AllocatedTokens),
		SupplySlack:     bigString(report.SupplySlack),
		SupplyExceeded:  report.SupplyExceeded,
		TokenDelta:      bigString(report.TokenDelta),
		CurrencyDelta:   bigString(report.CurrencyDelta),
		Discrepancies:   []discrepancyView{},
		Missing:         []missingView{},
		Participants:    []participantView{},
	}
	for _, d := range report.Discrepancies {
		view.Discrepancies = append(view.Discrepancies, discrepancyView{
			ClaimID:     d.ClaimID,
			Participant: d.Participant,
			SourceTxID:  d.SourceTxID,
			Type:        string(d.Type),
			Field:       string(d.Field),
			Stored:      bigString(d.Stored),
			Expected:    bigString(d.Expected),
			Delta:       bigString(d.Delta),
		})
	}
	for _, m := range report.Missing {
		view.Missing = append(view.Missing, missingView{
			Participant: m.Participant,
			SourceTxID:  m.SourceTxID,
			Type:        string(m.Type),
			Tokens:      bigString(m.Tokens),
			Currency:    bigString(m.Currency),
		})
	}
	for _, p := range report.Participants {
		view.Participants = append(view.Participants, participantView{
			Participant:      p.Participant,
			StoredTokens:     bigString(p.StoredTokens),
			ExpectedTokens:   bigString(p.ExpectedTokens),
			StoredCurrency:   bigString(p.StoredCurrency),
			ExpectedCurrency: bigString(p.ExpectedCurrency),
			WorstDelta:       bigString(p.WorstDelta),
			Discrepancies:    p.Discrepancies,
		})
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
