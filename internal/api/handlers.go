package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/idempotency"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/models"
	"github.com/punchamoorthee/donationops/internal/reconciler"
	"github.com/punchamoorthee/donationops/internal/scheduler"
	"github.com/punchamoorthee/donationops/internal/service"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotency-Replayed"
	headerRequestID      = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "donation_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

type Donations interface {
	Donate(ctx context.Context, key string, req models.DonationRequest) (*service.Response, error)
	GetDonation(ctx context.Context, id int64) (*domain.Transaction, error)
}

type Schedules interface {
	CreateSchedule(ctx context.Context, req models.ScheduleRequest) (*domain.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error)
	Cancel(ctx context.Context, id int64) (*domain.Schedule, error)
	Pause(ctx context.Context, id int64) (*domain.Schedule, error)
	Resume(ctx context.Context, id int64) (*domain.Schedule, error)
}

type Balances interface {
	Balance(ctx context.Context, account string) (*models.BalanceResponse, error)
}

type SchedulerStatus interface {
	Status() scheduler.Status
}

type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciler.Result, error)
	Status() reconciler.Status
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the HTTP surface is served from.
type Dependencies struct {
	Donations  Donations
	Schedules  Schedules
	Balances   Balances
	Scheduler  SchedulerStatus
	Reconciler Reconciler
	Store      Pinger
	// RequireIdempotencyKey rejects donations without an Idempotency-Key
	// header instead of minting a key for them.
	RequireIdempotencyKey bool
}

type Handler struct {
	deps Dependencies
	log  *zap.Logger
}

func NewHandler(deps Dependencies, log *zap.Logger) *Handler {
	return &Handler{deps: deps, log: log.Named("api")}
}

// Register mounts the health check and the /api/v1 routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.Use(withRequestID, instrument)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/donations", h.CreateDonationHandler).Methods(http.MethodPost)
	v1.HandleFunc("/donations/{id}", h.GetDonationHandler).Methods(http.MethodGet)
	v1.HandleFunc("/schedules", h.CreateScheduleHandler).Methods(http.MethodPost)
	v1.HandleFunc("/schedules/{id}", h.GetScheduleHandler).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}/{action:cancel|pause|resume}", h.ChangeScheduleHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/status", h.SchedulerStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reconciliation", h.ReconcileHandler).Methods(http.MethodPost)
	v1.HandleFunc("/reconciliation/status", h.ReconcileStatusHandler).Methods(http.MethodGet)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		if h.deps.RequireIdempotencyKey {
			respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
			return
		}
		key = idempotency.GenerateKey()
	}
	w.Header().Set(headerIdempotencyKey, key)

	var req models.DonationRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.deps.Donations.Donate(r.Context(), key, req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}

	if resp.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tx, err := h.deps.Donations.GetDonation(r.Context(), id)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) CreateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc, err := h.deps.Schedules.CreateSchedule(r.Context(), req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sc)
}

func (h *Handler) GetScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sc, err := h.deps.Schedules.GetSchedule(r.Context(), id)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sc)
}

func (h *Handler) ChangeScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var (
		sc  *domain.Schedule
		err error
	)
	switch mux.Vars(r)["action"] {
	case "cancel":
		sc, err = h.deps.Schedules.Cancel(r.Context(), id)
	case "pause":
		sc, err = h.deps.Schedules.Pause(r.Context(), id)
	case "resume":
		sc, err = h.deps.Schedules.Resume(r.Context(), id)
	default:
		respondWithError(w, http.StatusNotFound, "Unknown schedule action")
		return
	}
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sc)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Balances.Balance(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) SchedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Reconciler.Reconcile(r.Context())
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) ReconcileStatusHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.deps.Reconciler.Status())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

// respondWithErr maps the error taxonomy onto HTTP status codes.
func (h *Handler) respondWithErr(w http.ResponseWriter, r *http.Request, err error) {
	log := h.log.With(zap.String("request_id", requestIDFrom(r.Context())))
	var (
		conflict *domain.ConflictError
		perm     *ledger.PermanentError
	)
	switch {
	case domain.IsValidation(err):
		respondWithJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "validation_error"})
	case errors.As(err, &conflict):
		code := "conflict"
		if conflict.InProgress {
			code = "in_progress"
		}
		respondWithJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, domain.ErrNotFound):
		respondWithJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Not found", Code: "not_found"})
	case errors.As(err, &perm):
		respondWithJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: err.Error(), Code: perm.Code})
	case ledger.IsTransient(err):
		log.Warn("ledger unavailable", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Ledger unavailable", Code: "ledger_unavailable"})
	default:
		if domain.IsIntegrity(err) {
			log.Error("lifecycle violation", zap.Error(err))
		} else {
			log.Error("request failed", zap.Error(err))
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

// withRequestID propagates the caller's X-Request-ID or assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
