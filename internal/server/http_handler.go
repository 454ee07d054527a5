// Package server exposes the draft synchronization engine over HTTP. Every
// record route is organization-scoped; mutating routes additionally require a
// live session token, which carries the actor identity and capability grants.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/auth"
	"github.com/rpattn/pfasync/internal/capability"
	"github.com/rpattn/pfasync/internal/coordinator"
	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/export"
	"github.com/rpattn/pfasync/internal/reconciler"
	"github.com/rpattn/pfasync/internal/repository"
	"github.com/rpattn/pfasync/internal/session"
	"github.com/rpattn/pfasync/internal/stats"
	"github.com/rpattn/pfasync/internal/view"
)

// Handler bundles the HTTP surface over the engine's services.
type Handler struct {
	sessions    *session.Manager
	views       *view.Service
	coordinator *coordinator.Coordinator
	stats       *stats.Service
	export      *export.Service
	audit       repository.AuditRepository
	reconciler  *reconciler.Reconciler
	inbox       *reconciler.PushSource

	defaultLimit int
	maxLimit     int
}

// Options tunes the handler's pagination bounds.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// NewHTTPHandler builds the route table.
func NewHTTPHandler(
	sessions *session.Manager,
	views *view.Service,
	coord *coordinator.Coordinator,
	statsSvc *stats.Service,
	exportSvc *export.Service,
	audit repository.AuditRepository,
	recon *reconciler.Reconciler,
	inbox *reconciler.PushSource,
	opts Options,
) http.Handler {
	h := &Handler{
		sessions:     sessions,
		views:        views,
		coordinator:  coord,
		stats:        statsSvc,
		export:       exportSvc,
		audit:        audit,
		reconciler:   recon,
		inbox:        inbox,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
	}
	if h.defaultLimit <= 0 {
		h.defaultLimit = 50
	}
	if h.maxLimit <= 0 {
		h.maxLimit = 500
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /sessions", h.handleOpenSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleCloseSession)
	mux.HandleFunc("GET /records/{org}", h.handleListRecords)
	mux.HandleFunc("GET /records/{org}/view/{record}", h.handleGetRecord)
	mux.HandleFunc("GET /records/{org}/stats", h.handleStats)
	mux.HandleFunc("GET /records/{org}/export", h.handleExport)
	mux.HandleFunc("GET /records/{org}/audit", h.handleAudit)
	mux.HandleFunc("POST /records/{org}/draft", h.handleSaveDraft)
	mux.HandleFunc("POST /records/{org}/commit", h.handleCommit)
	mux.HandleFunc("POST /records/{org}/discard", h.handleDiscard)
	mux.HandleFunc("POST /records/{org}/reapply", h.handleReapply)
	mux.HandleFunc("POST /records/{org}/refresh", h.handleRefresh)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := h.sessions.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type openSessionPayload struct {
	ActorID        string   `json:"actorId"`
	OrganizationID string   `json:"organizationId"`
	Capabilities   []string `json:"capabilities"`
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload openSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	actorID, err := uuid.Parse(strings.TrimSpace(payload.ActorID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid actorId: %v", err), http.StatusBadRequest)
		return
	}
	orgID, err := uuid.Parse(strings.TrimSpace(payload.OrganizationID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organizationId: %v", err), http.StatusBadRequest)
		return
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	grants := capability.Set{}
	for _, raw := range payload.Capabilities {
		grant, ok := capability.Normalize(raw)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown capability %q", raw), http.StatusBadRequest)
			return
		}
		grants[grant] = struct{}{}
	}

	sess, err := h.sessions.Open(r.Context(), actorID, orgID, grants)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid session id: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.sessions.Close(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.readScope(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	page, err := h.views.List(r.Context(), orgID, sessionID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.readScope(w, r)
	if !ok {
		return
	}
	recordID, err := uuid.Parse(r.PathValue("record"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid record id: %v", err), http.StatusBadRequest)
		return
	}
	item, err := h.views.Get(r.Context(), recordID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if item.OrganizationID != orgID {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.readScope(w, r)
	if !ok {
		return
	}
	out, err := h.stats.Organization(r.Context(), orgID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.readScope(w, r)
	if !ok {
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "", "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "records-"+orgID.String()+".xlsx"))
		if err := h.export.WriteWorkbook(r.Context(), orgID, sessionID, w); err != nil {
			writeError(w, err)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "records-"+orgID.String()+".csv"))
		if err := h.export.WriteCSV(r.Context(), orgID, sessionID, w); err != nil {
			writeError(w, err)
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
	}
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.readScope(w, r)
	if !ok {
		return
	}
	recordID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("recordId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid recordId: %v", err), http.StatusBadRequest)
		return
	}
	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > h.maxLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	entries, err := h.audit.ListByRecord(r.Context(), recordID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	scoped := make([]domain.AuditEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.OrganizationID == orgID {
			scoped = append(scoped, entry)
		}
	}
	writeJSON(w, http.StatusOK, scoped)
}

type draftPayload struct {
	SessionID string                   `json:"sessionId"`
	Drafts    []coordinator.DraftInput `json:"drafts"`
}

func (h *Handler) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload draftPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	sess, ok := h.requireSession(w, r, payload.SessionID)
	if !ok {
		return
	}
	result, err := h.coordinator.SaveDraft(h.sessionContext(r, sess), sess, payload.Drafts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type recordBatchPayload struct {
	SessionID string   `json:"sessionId"`
	RecordIDs []string `json:"recordIds"`
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	sess, recordIDs, ok := h.readBatch(w, r)
	if !ok {
		return
	}
	result, err := h.coordinator.Commit(h.sessionContext(r, sess), sess, recordIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	sess, recordIDs, ok := h.readBatch(w, r)
	if !ok {
		return
	}
	result, err := h.coordinator.Discard(h.sessionContext(r, sess), sess, recordIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReapply(w http.ResponseWriter, r *http.Request) {
	sess, recordIDs, ok := h.readBatch(w, r)
	if !ok {
		return
	}
	result, err := h.coordinator.Reapply(h.sessionContext(r, sess), sess, recordIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshSnapshotPayload struct {
	Code          string          `json:"code"`
	Fields        domain.FieldMap `json:"fields"`
	SourceVersion int64           `json:"sourceVersion"`
}

type refreshPayload struct {
	Snapshots []refreshSnapshotPayload `json:"snapshots"`
}

type refreshResponse struct {
	Code          string      `json:"code"`
	Updated       bool        `json:"updated"`
	ConflictsWith []uuid.UUID `json:"conflictsWith,omitempty"`
}

// handleRefresh is the push entry point for the external system of record:
// snapshots land in the reconciler's inbox, the organization is refreshed
// straight away, and the caller learns which drafts the refresh conflicted.
// Anything enqueued between requests drains on the same sweep.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	orgID, err := uuid.Parse(r.PathValue("org"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organization id: %v", err), http.StatusBadRequest)
		return
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var payload refreshPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	snaps := make([]domain.ExternalSnapshot, 0, len(payload.Snapshots))
	for _, snap := range payload.Snapshots {
		snaps = append(snaps, domain.ExternalSnapshot{
			Code:          strings.TrimSpace(snap.Code),
			Fields:        snap.Fields,
			SourceVersion: snap.SourceVersion,
			ObservedAt:    time.Now(),
		})
	}
	h.inbox.Enqueue(orgID, snaps)

	outcomes, err := h.reconciler.RefreshOrganization(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	results := make([]refreshResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, refreshResponse{
			Code:          outcome.Code,
			Updated:       outcome.Updated,
			ConflictsWith: outcome.ConflictsWith,
		})
	}
	writeJSON(w, http.StatusOK, results)
}

// readBatch decodes the shared commit/discard/reapply payload shape and
// resolves the session against the route's organization.
func (h *Handler) readBatch(w http.ResponseWriter, r *http.Request) (session.Session, []uuid.UUID, bool) {
	defer r.Body.Close()
	var payload recordBatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return session.Session{}, nil, false
	}
	sess, ok := h.requireSession(w, r, payload.SessionID)
	if !ok {
		return session.Session{}, nil, false
	}
	recordIDs := make([]uuid.UUID, 0, len(payload.RecordIDs))
	for _, raw := range payload.RecordIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid recordId %q: %v", raw, err), http.StatusBadRequest)
			return session.Session{}, nil, false
		}
		recordIDs = append(recordIDs, id)
	}
	return sess, recordIDs, true
}

// readScope parses the {org} path segment and the optional sessionId query
// parameter. When a session id is present it must resolve and match the
// organization; without one the caller sees pristine mirror state.
func (h *Handler) readScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	orgID, err := uuid.Parse(r.PathValue("org"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organization id: %v", err), http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return uuid.Nil, uuid.Nil, false
	}

	raw := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if raw == "" {
		return orgID, uuid.Nil, true
	}

	sessionID, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sessionId: %v", err), http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	sess, err := h.sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	if sess.OrganizationID != orgID {
		http.Error(w, "session does not belong to organization", http.StatusForbidden)
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, sess.ID, true
}

// requireSession resolves a session id from a request body and checks it
// against the route's organization.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request, rawSessionID string) (session.Session, bool) {
	orgID, err := uuid.Parse(r.PathValue("org"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid organization id: %v", err), http.StatusBadRequest)
		return session.Session{}, false
	}
	if err := auth.EnforceOrganizationScope(r.Context(), orgID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return session.Session{}, false
	}
	sessionID, err := uuid.Parse(strings.TrimSpace(rawSessionID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sessionId: %v", err), http.StatusBadRequest)
		return session.Session{}, false
	}
	sess, err := h.sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return session.Session{}, false
	}
	if sess.OrganizationID != orgID {
		http.Error(w, "session does not belong to organization", http.StatusForbidden)
		return session.Session{}, false
	}
	return sess, true
}

// sessionContext stamps the resolved identity onto the request context so
// downstream org checks see the same scope the session carries.
func (h *Handler) sessionContext(r *http.Request, sess session.Session) context.Context {
	ctx := auth.ContextWithOrganizationID(r.Context(), sess.OrganizationID)
	return auth.ContextWithActorID(ctx, sess.ActorID)
}

func (h *Handler) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit := h.defaultLimit
	offset := 0
	var err error
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > h.maxLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return 0, 0, false
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError maps domain sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidationFailed), errors.Is(err, domain.ErrShapeMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflictDetected):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTransientStorage):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
