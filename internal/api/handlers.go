package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-validator/internal/coordinator"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/pkg/httputil"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/repository/postgres"
	"github.com/ignite/email-validator/internal/telemetry"
	"github.com/ignite/email-validator/internal/worker"
)

var log = logger.With("api")

// ActorHeader names the operator performing an action, recorded in the audit
// log.
const ActorHeader = "X-Actor"

// Operations is the control surface the handlers drive.
type Operations interface {
	Submit(ctx context.Context, batchID int64, actor string) (bool, error)
	Status(ctx context.Context, batchID int64) (*worker.BatchProgress, error)
	Pause(ctx context.Context, batchID int64, stage domain.Stage, actor string) error
	Resume(ctx context.Context, batchID int64, actor string) (domain.Stage, int, error)
	Rerun(ctx context.Context, batchID int64, actor string) (int, error)
	Unstick(ctx context.Context, batchID int64, actor string) (worker.UnstickResult, error)
	Delete(ctx context.Context, batchID int64, actor string) (int, error)
	ForceComplete(ctx context.Context, batchID int64, actor string) error
	ActivateCredential(ctx context.Context, key, actor string) error
	DeactivateCredential(ctx context.Context, key, actor string) error
	SyncCredentials(ctx context.Context) error
	ResetCoordination(ctx context.Context, actor string) (int, error)
	Overview(ctx context.Context, history *telemetry.Publisher) (*worker.Overview, error)
	Seen(ctx context.Context, address string) (*worker.SeenResult, error)
}

var _ Operations = (*worker.Control)(nil)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Handlers contains the ops API handlers.
type Handlers struct {
	ops     Operations
	history *telemetry.Publisher
	keys    []string
	checks  map[string]HealthCheck
}

// NewHandlers creates handlers. keys are the configured credentials in slot
// order; routes address a credential by slot so keys never appear in URLs.
func NewHandlers(ops Operations, history *telemetry.Publisher, keys []string, checks map[string]HealthCheck) *Handlers {
	return &Handlers{ops: ops, history: history, keys: keys, checks: checks}
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return "api"
}

func batchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid batch id")
		return 0, false
	}
	return id, true
}

func (h *Handlers) credential(w http.ResponseWriter, r *http.Request) (string, bool) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 || slot >= len(h.keys) {
		httputil.NotFound(w, "unknown credential slot")
		return "", false
	}
	return h.keys[slot], true
}

// respondErr maps domain errors onto status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgres.ErrBatchNotFound):
		httputil.NotFound(w, "batch not found")
	case errors.Is(err, worker.ErrInvalidStage):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, coordinator.ErrActivationTimeout):
		httputil.Conflict(w, "another batch holds verification")
	default:
		httputil.InternalError(w, err)
	}
}

// HealthCheck returns 200 when every dependency answers.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.Warn("health check failed", "dependency", name, "error", err)
			status[name] = "down"
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]interface{}{
		"healthy":      healthy,
		"dependencies": status,
		"timestamp":    time.Now().UTC(),
	})
}

// GetOverview returns queue depths, slot assignments and credential state.
func (h *Handlers) GetOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.ops.Overview(r.Context(), h.history)
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, ov)
}

// GetWatcherHistory returns recent reconciler passes, newest first.
func (h *Handlers) GetWatcherHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.OK(w, []domain.WatcherActivity{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.history.History(r.Context(), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	last, err := h.history.LastRun(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	resp := map[string]interface{}{"items": items}
	if !last.IsZero() {
		resp["last_run"] = last
	}
	httputil.OK(w, resp)
}

// GetBatch returns the batch and its per-stage counts.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	st, err := h.ops.Status(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, st)
}

// GetSeen reports whether an address may already be in the master table.
func (h *Handlers) GetSeen(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		httputil.BadRequest(w, "address is required")
		return
	}
	res, err := h.ops.Seen(r.Context(), address)
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, res)
}

// SubmitBatch schedules dedupe for a staged batch.
func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	queued, err := h.ops.Submit(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.Accepted(w, map[string]interface{}{"batch_id": id, "queued": queued})
}

type pauseRequest struct {
	Stage string `json:"stage"`
}

// PauseBatch pauses one stage of a batch.
func (h *Handlers) PauseBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	stage, valid := domain.ParseStage(req.Stage)
	if !valid {
		httputil.BadRequest(w, "stage must be one of dedupe, filter, validation, personal")
		return
	}
	if err := h.ops.Pause(r.Context(), id, stage, actor(r)); err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"batch_id": id, "paused_stage": stage})
}

// ResumeBatch resumes a paused batch.
func (h *Handlers) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	stage, n, err := h.ops.Resume(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"batch_id": id, "stage": stage, "enqueued": n})
}

// RerunBatch discards downstream rows and restarts from the filter stage.
func (h *Handlers) RerunBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	n, err := h.ops.Rerun(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"batch_id": id, "enqueued": n})
}

// UnstickBatch clears coordination state and re-enqueues stuck work.
func (h *Handlers) UnstickBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	res, err := h.ops.Unstick(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, res)
}

// DeleteBatch cancels a batch and purges its pipeline rows.
func (h *Handlers) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	removed, err := h.ops.Delete(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"batch_id": id, "jobs_removed": removed})
}

// ForceCompleteBatch marks a batch completed regardless of progress.
func (h *Handlers) ForceCompleteBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	if err := h.ops.ForceComplete(r.Context(), id, actor(r)); err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"batch_id": id, "status": domain.BatchCompleted})
}

// SyncCredentials seeds configured credentials into both stores.
func (h *Handlers) SyncCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.SyncCredentials(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]int{"credentials": len(h.keys)})
}

// ActivateCredential re-enables the credential at a slot.
func (h *Handlers) ActivateCredential(w http.ResponseWriter, r *http.Request) {
	h.setCredential(w, r, domain.CredentialActive)
}

// DeactivateCredential disables the credential at a slot.
func (h *Handlers) DeactivateCredential(w http.ResponseWriter, r *http.Request) {
	h.setCredential(w, r, domain.CredentialDisabled)
}

func (h *Handlers) setCredential(w http.ResponseWriter, r *http.Request, status domain.CredentialStatus) {
	key, ok := h.credential(w, r)
	if !ok {
		return
	}
	var err error
	if status == domain.CredentialActive {
		err = h.ops.ActivateCredential(r.Context(), key, actor(r))
	} else {
		err = h.ops.DeactivateCredential(r.Context(), key, actor(r))
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"slot": chi.URLParam(r, "slot"), "status": status})
}

// ResetCoordination wipes slot and activation state.
func (h *Handlers) ResetCoordination(w http.ResponseWriter, r *http.Request) {
	n, err := h.ops.ResetCoordination(r.Context(), actor(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	httputil.OK(w, map[string]int{"keys_deleted": n})
}
