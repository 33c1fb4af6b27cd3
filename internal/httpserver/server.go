package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/observation-portal/internal/ledger"
	"github.com/ILLUVRSE/observation-portal/internal/lifecycle"
	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/models"
	"github.com/ILLUVRSE/observation-portal/internal/notify"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

// Lifecycle is the engine surface the HTTP API exposes.
type Lifecycle interface {
	ReportConfigurationStatus(ctx context.Context, update store.ConfigurationStatusUpdate) (bool, error)
	OnRequestGroupCreated(ctx context.Context, groupID int64, durations map[models.TimeAllocationKey]float64) error
	CancelRequestGroup(ctx context.Context, groupID int64) error
	ValidateIPP(ctx context.Context, proposalID string, ippValue float64, obsType models.ObservationType, durations map[models.TimeAllocationKey]float64) error
	MaxAllowableIPP(ctx context.Context, proposalID string, durations map[models.TimeAllocationKey]float64) ([]ledger.IPPSummary, error)
	SweepWindowExpirations(ctx context.Context) (bool, error)
	CreateTimeAllocation(ctx context.Context, in store.TimeAllocationInput) (models.TimeAllocation, error)
	GetTimeAllocation(ctx context.Context, id int64) (models.TimeAllocation, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// LastChanges is the read side of the reschedule signal.
type LastChanges interface {
	LastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error)
}

// lastChangeHorizon is how far back last_changed reports when nothing has been signalled.
const lastChangeHorizon = 7 * 24 * time.Hour

type Server struct {
	lifecycle   Lifecycle
	db          Pinger
	lastChanges LastChanges
	log         *logging.Logger
	now         func() time.Time
}

func New(lc Lifecycle, db Pinger, lastChanges LastChanges, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		lifecycle:   lc,
		db:          db,
		lastChanges: lastChanges,
		log:         log.Named("http"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Patch("/configurationstatus/{id}", s.handleConfigurationStatus)
		r.Post("/requestgroups/{id}/created", s.handleRequestGroupCreated)
		r.Post("/requestgroups/{id}/cancel", s.handleCancel)
		r.Post("/ipp/validate", s.handleValidateIPP)
		r.Post("/ipp/max-allowable", s.handleMaxAllowableIPP)
		r.Post("/sweeps/window-expiration", s.handleSweep)
		r.Post("/timeallocations", s.handleCreateTimeAllocation)
		r.Get("/timeallocations/{id}", s.handleGetTimeAllocation)
		r.Get("/last_changed", s.handleLastChanged)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": s.now(),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type configurationStatusRequest struct {
	State   models.ConfigurationState `json:"state"`
	Summary *models.Summary           `json:"summary"`
}

func (s *Server) handleConfigurationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req configurationStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == "" {
		respondError(w, http.StatusBadRequest, "state required")
		return
	}
	if !req.State.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown configuration state %q", req.State))
		return
	}
	changed, err := s.lifecycle.ReportConfigurationStatus(r.Context(), store.ConfigurationStatusUpdate{
		ID:      id,
		State:   req.State,
		Summary: req.Summary,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type durationEntry struct {
	Semester       string  `json:"semester"`
	InstrumentType string  `json:"instrumentType"`
	Seconds        float64 `json:"seconds"`
}

func durationMap(entries []durationEntry) (map[models.TimeAllocationKey]float64, error) {
	if entries == nil {
		return nil, nil
	}
	out := make(map[models.TimeAllocationKey]float64, len(entries))
	for _, e := range entries {
		if e.Semester == "" || e.InstrumentType == "" || e.Seconds < 0 {
			return nil, fmt.Errorf("durations need semester, instrumentType and non-negative seconds")
		}
		out[models.TimeAllocationKey{Semester: e.Semester, InstrumentType: e.InstrumentType}] += e.Seconds
	}
	return out, nil
}

type requestGroupCreatedRequest struct {
	Durations []durationEntry `json:"durations"`
}

func (s *Server) handleRequestGroupCreated(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req requestGroupCreatedRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	durations, err := durationMap(req.Durations)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.lifecycle.OnRequestGroupCreated(r.Context(), id, durations); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.CancelRequestGroup(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": string(models.RequestCanceled)})
}

type ippRequest struct {
	ProposalID      string                 `json:"proposalId"`
	IPPValue        float64                `json:"ippValue"`
	ObservationType models.ObservationType `json:"observationType"`
	Durations       []durationEntry        `json:"durations"`
}

func (s *Server) decodeIPPRequest(w http.ResponseWriter, r *http.Request) (ippRequest, map[models.TimeAllocationKey]float64, bool) {
	var req ippRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	if req.ProposalID == "" {
		respondError(w, http.StatusBadRequest, "proposalId required")
		return req, nil, false
	}
	durations, err := durationMap(req.Durations)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	return req, durations, true
}

func (s *Server) handleValidateIPP(w http.ResponseWriter, r *http.Request) {
	req, durations, ok := s.decodeIPPRequest(w, r)
	if !ok {
		return
	}
	if req.ObservationType == "" {
		req.ObservationType = models.ObservationTypeNormal
	}
	if err := s.lifecycle.ValidateIPP(r.Context(), req.ProposalID, req.IPPValue, req.ObservationType, durations); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleMaxAllowableIPP(w http.ResponseWriter, r *http.Request) {
	req, durations, ok := s.decodeIPPRequest(w, r)
	if !ok {
		return
	}
	summaries, err := s.lifecycle.MaxAllowableIPP(r.Context(), req.ProposalID, durations)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	changed, err := s.lifecycle.SweepWindowExpirations(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type timeAllocationRequest struct {
	ProposalID       string   `json:"proposalId"`
	Semester         string   `json:"semester"`
	InstrumentTypes  []string `json:"instrumentTypes"`
	StdAllocation    float64  `json:"stdAllocation"`
	RRAllocation     float64  `json:"rrAllocation"`
	TCAllocation     float64  `json:"tcAllocation"`
	IPPLimit         *float64 `json:"ippLimit"`
	IPPTimeAvailable *float64 `json:"ippTimeAvailable"`
}

func (s *Server) handleCreateTimeAllocation(w http.ResponseWriter, r *http.Request) {
	var req timeAllocationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProposalID == "" || req.Semester == "" || len(req.InstrumentTypes) == 0 {
		respondError(w, http.StatusBadRequest, "proposalId, semester, and instrumentTypes required")
		return
	}
	ta, err := s.lifecycle.CreateTimeAllocation(r.Context(), store.TimeAllocationInput{
		ProposalID:       req.ProposalID,
		Semester:         req.Semester,
		InstrumentTypes:  req.InstrumentTypes,
		StdAllocation:    req.StdAllocation,
		RRAllocation:     req.RRAllocation,
		TCAllocation:     req.TCAllocation,
		IPPLimit:         req.IPPLimit,
		IPPTimeAvailable: req.IPPTimeAvailable,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ta)
}

func (s *Server) handleGetTimeAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ta, err := s.lifecycle.GetTimeAllocation(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ta)
}

func (s *Server) handleLastChanged(w http.ResponseWriter, r *http.Request) {
	classes := r.URL.Query()["telescope_class"]
	if len(classes) == 0 {
		classes = []string{notify.AllTelescopeClasses}
	}
	latest := s.now().Add(-lastChangeHorizon)
	for _, class := range classes {
		ts, ok, err := s.lastChanges.LastChange(r.Context(), class)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if ok && ts.After(latest) {
			latest = ts
		}
	}
	respondJSON(w, http.StatusOK, map[string]time.Time{"last_change_time": latest})
}

// respondDomainError maps lifecycle, ledger and store errors onto status codes.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var taErr *ledger.TimeAllocationError
	switch {
	case errors.As(err, &taErr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":           err.Error(),
			"maxAllowableIpp": taErr.MaxAllowableIPP,
		})
	case errors.Is(err, lifecycle.ErrInvalidStateChange), errors.Is(err, lifecycle.ErrUnknownConfigurationState):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStatusFinal):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
