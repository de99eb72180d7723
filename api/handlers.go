/*
handlers.go - HTTP API handlers for the evacuation survey

PURPOSE:
  Exposes the survey state machine via REST. Each participant action is
  one POST; the response is always the re-rendered session view.

ENDPOINTS:
  Scenario:
    GET    /api/scenario                               Static screens
  Sessions:
    POST   /api/sessions                               Start a session
    GET    /api/sessions/{id}                          Current view
  Admin (bearer token, see server.go):
    GET    /api/admin/sessions                         Sessions with a saved log
    GET    /api/admin/sessions/{id}/log                Saved event log
  Actions:
    POST   /api/sessions/{id}/consent
    POST   /api/sessions/{id}/contact
    POST   /api/sessions/{id}/begin
    POST   /api/sessions/{id}/tiles/{tileID}/open
    POST   /api/sessions/{id}/tiles/close
    POST   /api/sessions/{id}/contacts/{contactID}/open
    POST   /api/sessions/{id}/contacts/reveal
    POST   /api/sessions/{id}/prep/{actionID}
    POST   /api/sessions/{id}/assessment/start
    POST   /api/sessions/{id}/assessment
    POST   /api/sessions/{id}/decision
    POST   /api/sessions/{id}/deliver

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (scores, choice, body)
  - 401: Missing or wrong admin token
  - 404: Unknown session, tile, contact or prep action
  - 409: Guard rejected the action; nothing changed
  - 500: Session failed (log not persisted) or internal error

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - retrier.go: Background results delivery retries
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/evac-survey/eventlog"
	"github.com/warp/evac-survey/scenario"
	"github.com/warp/evac-survey/survey"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Controller *survey.Controller
	Sessions   *survey.Registry
	Store      eventlog.Store
}

// NewHandler creates a new handler around a controller.
func NewHandler(ctrl *survey.Controller) *Handler {
	return &Handler{
		Controller: ctrl,
		Sessions:   survey.NewRegistry(),
		Store:      ctrl.Store,
	}
}

// =============================================================================
// SCENARIO AND SESSIONS
// =============================================================================

// GetScenario returns the static screens and variables.
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	cfg := h.Controller.Config
	writeJSON(w, http.StatusOK, ScenarioDTO{
		Title:               cfg.Title,
		TimeSteps:           cfg.TimeSteps,
		Consent:             cfg.IRBConsent,
		ContactScreen:       cfg.ContactScreen,
		Intro:               cfg.ScenarioDescription,
		AssessmentVariables: cfg.AssessmentVariables,
	})
}

// CreateSession starts a new participant session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Controller.Start(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start session", err)
		return
	}
	h.Sessions.Put(s)
	writeJSON(w, http.StatusCreated, h.sessionView(s.State()))
}

// GetSession returns the current view of a live session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s.State()))
}

// ListSessions returns the ids of every session with a saved log.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, SessionListDTO{Sessions: ids})
}

// GetSessionLog returns a session's saved log exactly as stored.
func (h *Handler) GetSessionLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := eventlog.Load(r.Context(), h.Store, id)
	if err != nil {
		if errors.Is(err, eventlog.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session log not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load session log", err)
		return
	}
	data, err := log.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode session log", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// PRE-SCENARIO ACTIONS
// =============================================================================

func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.Consent(ctx, s, req.Read, req.Agree)
	})
}

func (h *Handler) SubmitContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.SubmitContact(ctx, s, req.Email, req.Phone)
	})
}

func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Controller.Begin)
}

// =============================================================================
// DASHBOARD ACTIONS
// =============================================================================

func (h *Handler) OpenTile(w http.ResponseWriter, r *http.Request) {
	id := scenario.TileID(chi.URLParam(r, "tileID"))
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.OpenTile(ctx, s, id)
	})
}

func (h *Handler) CloseTile(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Controller.CloseTile)
}

func (h *Handler) OpenContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contactID")
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.OpenContact(ctx, s, id)
	})
}

func (h *Handler) RevealReply(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Controller.RevealReply)
}

func (h *Handler) PerformPrep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "actionID")
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.PerformPrep(ctx, s, id)
	})
}

func (h *Handler) ProceedToAssessment(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Controller.ProceedToAssessment)
}

// =============================================================================
// ASSESSMENT, DECISION, DELIVERY
// =============================================================================

func (h *Handler) SubmitAssessment(w http.ResponseWriter, r *http.Request) {
	var req AssessmentRequest
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.SubmitAssessment(ctx, s, req.Scores)
	})
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(ctx context.Context, s *survey.Session) error {
		return h.Controller.Decide(ctx, s, req.Choice)
	})
}

func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Controller.RetryDelivery)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*survey.Session, bool) {
	s, err := h.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found", err)
		return nil, false
	}
	return s, true
}

// act runs one controller action and answers with the updated view.
func (h *Handler) act(w http.ResponseWriter, r *http.Request, fn func(context.Context, *survey.Session) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), s); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(s.State()))
}

func (h *Handler) sessionView(st survey.State) SessionDTO {
	ctrl := h.Controller
	cfg := ctrl.Config
	dto := SessionDTO{
		ID:               st.SessionID,
		Phase:            st.Phase,
		TimeIndex:        st.TimeIndex,
		TimeLabel:        ctrl.TimeLabel(st),
		CanProceed:       ctrl.CanProceed(st),
		PrepTotal:        ctrl.PrepMinutesCommitted(st),
		CachedAssessment: st.CachedAssessment,
		FamilyEvacuated:  st.FamilyEvacuated,
		ScenarioEnded:    st.ScenarioEnded,
		EndReason:        st.EndReason,
		ResultsDelivered: st.ResultsDelivered,
		DeliveryError:    st.DeliveryError,
		Failed:           st.Failed,
	}
	if v, ok := ctrl.CurrentTime(st); ok {
		dto.CurrentTime = &v
	}

	switch st.Phase {
	case survey.PhaseDashboard:
		locked := st.OpenTile != ""
		for _, id := range cfg.GridTileIDs() {
			dto.Tiles = append(dto.Tiles, TileDTO{
				ID:     id,
				Label:  cfg.TileLabel(id),
				IsNew:  ctrl.IsNew(st, id),
				Locked: locked,
			})
		}
		if locked {
			dto.OpenTile = openTileView(cfg, st)
		}
		dto.Prep = prepView(ctrl, st)
	case survey.PhaseAssessment:
		dto.AssessmentVariables = cfg.AssessmentVariables
	case survey.PhaseDecision:
		dto.Prep = prepView(ctrl, st)
	}
	return dto
}

func openTileView(cfg *scenario.Config, st survey.State) *OpenTileDTO {
	v := &OpenTileDTO{
		ID:             st.OpenTile,
		Label:          cfg.TileLabel(st.OpenTile),
		Content:        cfg.ContentAt(st.OpenTile, st.TimeIndex),
		CurrentContact: st.CurrentContact,
		Reply:          st.ContactReply,
	}
	if tile, ok := cfg.Tile(st.OpenTile); ok && tile.IsSocial() {
		for _, c := range tile.Contacts {
			v.Contacts = append(v.Contacts, ContactDTO{ID: c.ID, Name: c.Name})
		}
	}
	if p := st.PendingReply; p != nil {
		v.ReplyPending = true
		readyAt := p.ReadyAt
		v.ReplyReadyAt = &readyAt
	}
	return v
}

func prepView(ctrl *survey.Controller, st survey.State) []PrepDTO {
	var out []PrepDTO
	for _, a := range ctrl.AvailablePrepActions(st) {
		out = append(out, PrepDTO{
			ID:                   a.ID,
			Label:                a.Label,
			Description:          a.Description,
			EstimatedTimeMinutes: a.EstimatedTimeMinutes,
			Completed:            st.PrepCompleted(a.ID),
		})
	}
	return out
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case survey.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case survey.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case survey.IsRejected(err):
		writeError(w, http.StatusConflict, "Action not allowed", err)
	case errors.Is(err, survey.ErrSessionFailed):
		writeError(w, http.StatusInternalServerError, "Session could not be saved", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
