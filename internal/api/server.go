package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"
	"NetSentry/internal/pipeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultLogWindow = 24 * time.Hour

// ActionSubmitter runs operator requests through the policy engine.
type ActionSubmitter interface {
	Submit(ctx context.Context, req model.ActionRequest) (model.ActionRecord, error)
}

// StatusProvider reports the pipeline counters.
type StatusProvider interface {
	Status() pipeline.Status
}

type ctxKey struct{}

// Server is the operator-facing HTTP surface: control actions, audit log
// queries, capture status and metrics.
type Server struct {
	verifier  model.IdentityVerifier
	submitter ActionSubmitter
	logs      model.AuditQuerier
	status    StatusProvider
	gatherer  prometheus.Gatherer
	now       func() time.Time
}

// NewServer creates the API. submitter, status and gatherer may be nil; a nil
// submitter makes the control endpoints unavailable.
func NewServer(verifier model.IdentityVerifier, submitter ActionSubmitter, logs model.AuditQuerier, status StatusProvider, gatherer prometheus.Gatherer) *Server {
	return &Server{
		verifier:  verifier,
		submitter: submitter,
		logs:      logs,
		status:    status,
		gatherer:  gatherer,
		now:       time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/control/{action}", s.handleControl).Methods(http.MethodPost)
	v1.HandleFunc("/logs", s.handleLogsByTime).Methods(http.MethodGet)
	v1.HandleFunc("/logs/summary", s.handleSummary).Methods(http.MethodGet)
	v1.HandleFunc("/logs/target/{kind}/{value}", s.handleLogsByTarget).Methods(http.MethodGet)
	v1.HandleFunc("/capture/status", s.handleCaptureStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			logger.WithComponent("api").WithError(err).WithField("path", r.URL.Path).Debug("Rejected credential")
			respondWithError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func identityFrom(ctx context.Context) model.Identity {
	id, _ := ctx.Value(ctxKey{}).(model.Identity)
	return id
}

type controlRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		respondWithJSON(w, http.StatusServiceUnavailable, errorBody{Error: "control actions are not served by this process"})
		return
	}
	kind, err := model.ParseActionKind(mux.Vars(r)["action"])
	if err != nil {
		respondWithError(w, nserrors.Wrap(err, nserrors.KindValidation, "unsupported action"))
		return
	}
	var body controlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, nserrors.Wrap(err, nserrors.KindValidation, "malformed request body"))
		return
	}

	id := identityFrom(r.Context())
	req := model.ActionRequest{
		Target:      model.Target{Kind: kind.TargetKind(), Value: strings.TrimSpace(body.Target)},
		Kind:        kind,
		RequestedBy: id.Subject,
		Reason:      body.Reason,
		CallerIP:    callerIP(r),
	}

	rec, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		logger.WithComponent("api").WithError(err).WithField("subject", id.Subject).Warn("Control request failed")
		if rec.Outcome == model.OutcomeFailed && !nserrors.HasKind(err, nserrors.KindAuditWrite) {
			respondWithJSON(w, http.StatusBadGateway, failedAction{Error: err.Error(), Record: rec})
			return
		}
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, statusForOutcome(rec.Outcome), rec)
}

func statusForOutcome(o model.Outcome) int {
	switch o {
	case model.OutcomeApplied:
		return http.StatusOK
	case model.OutcomeRejectedRateLimited:
		return http.StatusTooManyRequests
	case model.OutcomeRejectedCooldown:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleLogsByTarget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	target := model.Target{Kind: model.TargetKind(vars["kind"]), Value: vars["value"]}
	switch target.Kind {
	case model.TargetIP:
		ip := net.ParseIP(target.Value)
		if ip == nil {
			respondWithError(w, nserrors.Errorf(nserrors.KindValidation, "invalid ip address %q", target.Value))
			return
		}
		target = model.IPTarget(ip)
	case model.TargetDevice:
	default:
		respondWithError(w, nserrors.Errorf(nserrors.KindValidation, "unknown target kind %q", target.Kind))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	recs, err := s.logs.QueryByTarget(r.Context(), target, limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleLogsByTime(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.parseRange(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	recs, err := s.logs.QueryByTimeRange(r.Context(), from, to, limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.parseRange(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	sum, err := s.logs.Summary(r.Context(), from, to)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondWithJSON(w, http.StatusServiceUnavailable, errorBody{Error: "capture is not running in this process"})
		return
	}
	respondWithJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseRange reads from/to as RFC 3339. Missing bounds default to the last 24 hours.
func (s *Server) parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := s.now()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, nserrors.Wrap(err, nserrors.KindValidation, "invalid 'to'")
		}
		to = t
	}
	from := to.Add(-defaultLogWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, nserrors.Wrap(err, nserrors.KindValidation, "invalid 'from'")
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, nserrors.New(nserrors.KindValidation, "'from' is after 'to'")
	}
	return from, to, nil
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, nserrors.Errorf(nserrors.KindValidation, "invalid limit %q", v)
	}
	return n, nil
}

func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func nonNil(recs []model.ActionRecord) []model.ActionRecord {
	if recs == nil {
		return []model.ActionRecord{}
	}
	return recs
}

// failedAction carries the audited record of an action the enforcer could not apply.
type failedAction struct {
	Error  string             `json:"error"`
	Record model.ActionRecord `json:"record"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func respondWithError(w http.ResponseWriter, err error) {
	kind := nserrors.GetKind(err)
	code := http.StatusInternalServerError
	switch kind {
	case nserrors.KindValidation:
		code = http.StatusBadRequest
	case nserrors.KindUnauthorized:
		code = http.StatusUnauthorized
	case nserrors.KindRevoked:
		code = http.StatusForbidden
	case nserrors.KindUnavailable, nserrors.KindTimeout:
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, errorBody{Error: err.Error(), Kind: kind.String()})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
