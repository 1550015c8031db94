// Package api exposes the admin HTTP surface for managing lists and the
// public artifact endpoints gated by token and IP rules.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Maneox/List-IQ/internal/access"
	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/importer"
	"github.com/Maneox/List-IQ/internal/pkg/httputil"
	"github.com/Maneox/List-IQ/internal/storage"
)

// Store is the persistence surface the handlers need.
type Store interface {
	GetList(ctx context.Context, id int64) (*domain.List, error)
	GetListByToken(ctx context.Context, token string) (*domain.List, error)
	ListLists(ctx context.Context) ([]domain.List, error)
	CreateList(ctx context.Context, l *domain.List) error
	UpdateList(ctx context.Context, l *domain.List) error
	DeleteList(ctx context.Context, id int64) error
	SetToken(ctx context.Context, id int64, token string) error
	ReadRows(ctx context.Context, l *domain.List) ([]domain.Row, error)
	UpdateRow(ctx context.Context, l *domain.List, rowID int, cells map[string]string) error
	ListRuns(ctx context.Context, listID int64, limit int) ([]domain.ImportResult, error)
}

// ImportRunner triggers a refresh.
type ImportRunner interface {
	Import(ctx context.Context, listID int64, force bool) domain.ImportResult
}

// Rescheduler keeps cron entries in sync with list changes.
type Rescheduler interface {
	Reschedule(l *domain.List)
	Unschedule(listID int64)
}

// Artifacts serves and maintains the public files.
type Artifacts interface {
	EnsureArtifact(ctx context.Context, l *domain.List, format string, rows []domain.Row) (string, error)
	WriteArtifacts(ctx context.Context, l *domain.List, rows []domain.Row) error
	DeleteArtifacts(listID int64)
}

// Handlers carries the dependencies of every endpoint.
type Handlers struct {
	store     Store
	importer  ImportRunner
	scheduler Rescheduler // optional
	artifacts Artifacts
	tracker   *importer.RunTracker
}

// NewHandlers wires the HTTP handlers. scheduler may be nil.
func NewHandlers(store Store, imp ImportRunner, sched Rescheduler, artifacts Artifacts, tracker *importer.RunTracker) *Handlers {
	return &Handlers{store: store, importer: imp, scheduler: sched, artifacts: artifacts, tracker: tracker}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func listID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// ListLists returns every list.
func (h *Handlers) ListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.store.ListLists(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if lists == nil {
		lists = []domain.List{}
	}
	httputil.OK(w, lists)
}

// GetList returns one list with its schema.
func (h *Handlers) GetList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	l, err := h.store.GetList(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, l)
}

// CreateList creates a list. A public access token is generated when any
// public format is enabled.
func (h *Handlers) CreateList(w http.ResponseWriter, r *http.Request) {
	var l domain.List
	if !httputil.Decode(w, r, &l) {
		return
	}
	if l.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if l.UpdateType == "" {
		l.UpdateType = domain.UpdateManual
	}
	if l.JSONConfigStatus == "" {
		l.JSONConfigStatus = domain.JSONNotConfigured
	}
	l.IsActive = true

	if l.AnyPublicEnabled() {
		token, err := access.GenerateToken()
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		l.PublicAccessToken = token
	}
	if err := h.store.CreateList(r.Context(), &l); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Reschedule(&l)
	}
	httputil.Created(w, &l)
}

// UpdateList updates a list's settings and resynchronizes its schedule and
// artifacts. Enabling the first public format mints a token; disabling the
// last one clears it and removes the files.
func (h *Handlers) UpdateList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	existing, err := h.store.GetList(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	var l domain.List
	if !httputil.Decode(w, r, &l) {
		return
	}
	l.ID = id
	l.PublicAccessToken = existing.PublicAccessToken
	l.Columns = existing.Columns

	switch {
	case l.AnyPublicEnabled() && l.PublicAccessToken == "":
		token, err := access.GenerateToken()
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		l.PublicAccessToken = token
	case !l.AnyPublicEnabled() && l.PublicAccessToken != "":
		l.PublicAccessToken = ""
		if h.artifacts != nil {
			h.artifacts.DeleteArtifacts(id)
		}
	}

	if err := h.store.UpdateList(r.Context(), &l); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Reschedule(&l)
	}
	httputil.OK(w, &l)
}

// DeleteList removes a list, its schedule, and its artifact files.
func (h *Handlers) DeleteList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	if err := h.store.DeleteList(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "list not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Unschedule(id)
	}
	if h.artifacts != nil {
		h.artifacts.DeleteArtifacts(id)
	}
	httputil.NoContent(w)
}

// RefreshList triggers an import. ?force=true bypasses the minimum update
// interval. The full result, logs included, is returned so operators can
// diagnose a failing source from the response alone.
func (h *Handlers) RefreshList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	if _, err := h.store.GetList(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	res := h.importer.Import(r.Context(), id, force)
	status := http.StatusOK
	if res.Status == domain.ImportFailed {
		status = http.StatusBadGateway
		if res.Kind == domain.ErrConfiguration || res.Kind == domain.ErrValidation {
			status = http.StatusUnprocessableEntity
		}
	}
	httputil.JSON(w, status, res)
}

// GetRows returns the list's rows with the filter applied.
func (h *Handlers) GetRows(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	l, err := h.store.GetList(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	rows, err := h.store.ReadRows(r.Context(), l)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if rows == nil {
		rows = []domain.Row{}
	}
	httputil.OK(w, rows)
}

// UpdateRow edits cells of one row, validating each value against its
// column type.
func (h *Handlers) UpdateRow(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	rowID, err := strconv.Atoi(chi.URLParam(r, "rowID"))
	if err != nil || rowID <= 0 {
		httputil.BadRequest(w, "invalid row id")
		return
	}
	l, err := h.store.GetList(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	var cells map[string]string
	if !httputil.Decode(w, r, &cells) {
		return
	}
	for name, value := range cells {
		col := l.ColumnByName(name)
		if col == nil {
			httputil.BadRequest(w, "unknown column "+strconv.Quote(name))
			return
		}
		if err := domain.ValidateCellValue(name, value, col.Type); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	if err := h.store.UpdateRow(r.Context(), l, rowID, cells); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "row not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	// Stored artifacts are stale after an edit; regenerate eagerly.
	if h.artifacts != nil && l.AnyPublicEnabled() {
		if rows, err := h.store.ReadRows(r.Context(), l); err == nil {
			h.artifacts.WriteArtifacts(r.Context(), l, rows)
		}
	}
	httputil.NoContent(w)
}

// RotateToken replaces a list's public access token. Existing consumers
// lose access immediately.
func (h *Handlers) RotateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	l, err := h.store.GetList(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !l.AnyPublicEnabled() {
		httputil.BadRequest(w, "list has no public format enabled")
		return
	}
	token, err := access.GenerateToken()
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.store.SetToken(r.Context(), id, token); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"public_access_token": token})
}

// ListRuns returns the import run history for a list.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(r.Context(), id, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.ImportResult{}
	}
	httputil.OK(w, runs)
}

// GetRunState returns the live progress of the current or last import.
func (h *Handlers) GetRunState(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(r)
	if !ok {
		httputil.BadRequest(w, "invalid list id")
		return
	}
	state, found := h.tracker.Get(r.Context(), id)
	if !found {
		httputil.NotFound(w, "no import recorded for this list")
		return
	}
	httputil.OK(w, state)
}
