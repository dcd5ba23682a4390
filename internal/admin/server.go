package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/health"
	"github.com/arenaops/contest-ledger/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// allowedReportStatuses defines the review statuses accepted as API input.
var allowedReportStatuses = map[model.ReportStatus]bool{
	model.ReportStatusPendingReview:  true,
	model.ReportStatusInReview:       true,
	model.ReportStatusResolved:       true,
	model.ReportStatusNeedsAttention: true,
}

// ReplayRunner executes one replay pass over a block range. In production
// this is satisfied by *ingest.Replayer, but tests can provide a simple mock.
type ReplayRunner interface {
	Run(ctx context.Context, stream *model.Stream, fromBlock, toBlock int64) error
}

// StreamDirectory resolves tracked streams and supports operator-triggered
// reloads. Satisfied by *registry.Registry.
type StreamDirectory interface {
	Get(key model.StreamKey) (*model.Stream, bool)
	Reload(ctx context.Context) error
}

// HealthBoard serves per-stream and aggregate health and arbitrates mode
// transitions. Satisfied by *health.Tracker.
type HealthBoard interface {
	Snapshots() []health.Snapshot
	Aggregate() health.AggregateSnapshot
	Register(key model.StreamKey, mode health.Mode)
	SwapMode(key model.StreamKey, from, to health.Mode) bool
}

// Server provides the operational HTTP surface: replay scheduling, health,
// metrics, and the review endpoints for milestones and reconciliation
// reports.
type Server struct {
	streams    StreamDirectory
	replayer   ReplayRunner
	tracker    HealthBoard
	milestones store.MilestoneRepository
	reports    store.ReportRepository
	logger     *slog.Logger

	// baseCtx bounds spawned replay runs to the process lifetime rather than
	// the scheduling request, which completes at 202.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewServer creates the admin API server. baseCtx is the application
// lifecycle context; canceling it cancels in-flight replays.
func NewServer(
	baseCtx context.Context,
	streams StreamDirectory,
	replayer ReplayRunner,
	tracker HealthBoard,
	milestones store.MilestoneRepository,
	reports store.ReportRepository,
	logger *slog.Logger,
) *Server {
	return &Server{
		streams:    streams,
		replayer:   replayer,
		tracker:    tracker,
		milestones: milestones,
		reports:    reports,
		logger:     logger.With("component", "admin"),
		baseCtx:    baseCtx,
	}
}

// Handler returns the HTTP handler for the full API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /replays", s.handleScheduleReplay)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /admin/v1/milestones/retry", s.handleMilestoneRetry)
	mux.HandleFunc("GET /admin/v1/milestones/needs-attention", s.handleMilestonesNeedsAttention)
	mux.HandleFunc("GET /admin/v1/reports", s.handleListReports)
	mux.HandleFunc("GET /admin/v1/reports/{id}", s.handleGetReport)
	mux.HandleFunc("POST /admin/v1/reports/status", s.handleReportStatus)
	mux.HandleFunc("POST /admin/v1/registry/reload", s.handleRegistryReload)

	return mux
}

// Wait blocks until all spawned replay runs have finished. Called on
// shutdown after baseCtx is canceled.
func (s *Server) Wait() {
	s.wg.Wait()
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// --- Replay scheduling ---

type replayRequest struct {
	ContestID string `json:"contest_id"`
	ChainID   int64  `json:"chain_id"`
	FromBlock *int64 `json:"from_block"`
	ToBlock   *int64 `json:"to_block"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
}

type replayResponse struct {
	JobID          uuid.UUID        `json:"job_id"`
	ContestID      model.ContestID  `json:"contest_id"`
	ChainID        model.ChainID    `json:"chain_id"`
	ScheduledRange model.BlockRange `json:"scheduled_range"`
}

func (s *Server) handleScheduleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.ContestID == "" || req.ChainID <= 0 || req.FromBlock == nil || req.ToBlock == nil {
		http.Error(w, `{"error":"contest_id, chain_id, from_block, and to_block are required"}`, http.StatusBadRequest)
		return
	}
	from, to := *req.FromBlock, *req.ToBlock
	if from < 0 || to < from {
		http.Error(w, `{"error":"from_block must be >= 0 and <= to_block"}`, http.StatusBadRequest)
		return
	}

	key := model.StreamKey{ContestID: model.ContestID(req.ContestID), ChainID: model.ChainID(req.ChainID)}
	stream, ok := s.streams.Get(key)
	if !ok {
		http.Error(w, `{"error":"stream not tracked"}`, http.StatusNotFound)
		return
	}
	if from < stream.StartBlock {
		http.Error(w, `{"error":"from_block is before the stream's start block"}`, http.StatusBadRequest)
		return
	}

	// One replay at a time per stream. The stream is claimed here, at
	// scheduling, with a single compare-and-swap: checking the mode and
	// flipping it later in the run goroutine would let two concurrent
	// requests both observe live and both get a 202. The run restores live
	// mode on the way out, success or failure.
	s.tracker.Register(key, health.ModeLive)
	if !s.tracker.SwapMode(key, health.ModeLive, health.ModeReplay) {
		http.Error(w, `{"error":"stream is not in live mode"}`, http.StatusConflict)
		return
	}

	jobID := uuid.New()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.replayer.Run(s.baseCtx, stream, from, to); err != nil {
			s.logger.Error("replay run failed",
				"job_id", jobID, "contest", key.ContestID, "chain", key.ChainID, "error", err)
		}
	}()

	s.logger.Info("replay scheduled",
		"job_id", jobID, "contest", key.ContestID, "chain", key.ChainID,
		"from_block", from, "to_block", to,
		"reason", req.Reason, "actor", req.Actor)

	writeJSON(w, http.StatusAccepted, replayResponse{
		JobID:          jobID,
		ContestID:      key.ContestID,
		ChainID:        key.ChainID,
		ScheduledRange: model.BlockRange{FromBlock: from, ToBlock: to},
	})
}

// --- Health ---

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": s.tracker.Snapshots()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	agg := s.tracker.Aggregate()
	status := http.StatusOK
	if agg.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, agg)
}

// --- Milestone review ---

type milestoneRetryRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleMilestoneRetry(w http.ResponseWriter, r *http.Request) {
	var req milestoneRetryRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, `{"error":"idempotency_key is required"}`, http.StatusBadRequest)
		return
	}

	err := s.milestones.ManualRetry(r.Context(), req.IdempotencyKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, `{"error":"milestone execution not found"}`, http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, `{"error":"milestone is not awaiting attention"}`, http.StatusConflict)
	case err != nil:
		s.logger.Error("milestone retry failed", "key", req.IdempotencyKey, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	default:
		s.logger.Info("milestone queued for retry", "key", req.IdempotencyKey)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleMilestonesNeedsAttention(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	records, err := s.milestones.ListNeedsAttention(r.Context(), limit)
	if err != nil {
		s.logger.Error("list stuck milestones failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestones": records})
}

// --- Reconciliation report review ---

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	status := model.ReportStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ReportStatusPendingReview
	}
	if !allowedReportStatuses[status] {
		http.Error(w, `{"error":"invalid status value"}`, http.StatusBadRequest)
		return
	}

	reports, err := s.reports.ListByStatus(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("list reports failed", "status", status, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reportID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid report id"}`, http.StatusBadRequest)
		return
	}

	report, err := s.reports.Get(r.Context(), reportID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, `{"error":"report not found"}`, http.StatusNotFound)
	case err != nil:
		s.logger.Error("get report failed", "report_id", reportID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type reportStatusRequest struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var req reportStatusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	reportID, err := uuid.Parse(req.ReportID)
	if err != nil {
		http.Error(w, `{"error":"invalid report id"}`, http.StatusBadRequest)
		return
	}
	status := model.ReportStatus(req.Status)
	if !allowedReportStatuses[status] {
		http.Error(w, `{"error":"invalid status value"}`, http.StatusBadRequest)
		return
	}

	err = s.reports.UpdateStatus(r.Context(), reportID, status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, `{"error":"report not found"}`, http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, `{"error":"status transition not allowed"}`, http.StatusConflict)
	case err != nil:
		s.logger.Error("report status update failed", "report_id", reportID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	default:
		s.logger.Info("report status updated", "report_id", reportID, "status", status)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// --- Registry ---

func (s *Server) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.Reload(r.Context()); err != nil {
		s.logger.Error("registry reload failed", "error", err)
		http.Error(w, `{"error":"registry reload failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// queryLimit parses the limit query param, clamped to (0, 500].
func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}
