package server

import (
	"context"
	"net/http"
	"strings"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/mission"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleGetTier handles GET /v1/tiers/{address}
func (m *Mux) handleGetTier(w http.ResponseWriter, r *http.Request) {
	info, err := m.missions.TierFor(r.Context(), r.PathValue("address"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

// handleCreateMission handles POST /v1/missions with idempotency support
func (m *Mux) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMissionRequest
	body, err := m.decode(r, schema.CreateMission, &req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("difficulty", string(req.Difficulty)),
		attribute.Bool("has_idempotency_key", r.Header.Get("Idempotency-Key") != ""),
	)

	m.idempotent(w, r, body, http.StatusCreated, func() (any, error) {
		return m.missions.CreateMission(r.Context(), caller(r), req)
	})
}

// handleListMissions handles GET /v1/missions
func (m *Mux) handleListMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryInt(r, "offset")
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	page, err := m.missions.GetActiveMissions(r.Context(), model.MissionFilter{
		Difficulty: model.Difficulty(strings.ToLower(q.Get("difficulty"))),
		Language:   q.Get("language"),
		Search:     q.Get("search"),
		Creator:    q.Get("creator"),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, page)
}

// handleGetMission handles GET /v1/missions/{id}
func (m *Mux) handleGetMission(w http.ResponseWriter, r *http.Request) {
	ms, err := m.missions.GetMission(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ms)
}

type acceptRequest struct {
	UserID string `json:"userId"`
}

// handleAcceptMission handles POST /v1/missions/{id}/accept.
// The participant is the caller; a differing userId in the body is rejected.
func (m *Mux) handleAcceptMission(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if _, err := m.decode(r, schema.AcceptMission, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	user := caller(r)
	if req.UserID != "" && !strings.EqualFold(req.UserID, user) {
		m.writeError(w, r, errordefs.New(errordefs.MSN_ADDRESS_MISMATCH, "userId must match the authenticated wallet"))
		return
	}

	ms, err := m.missions.AcceptMission(r.Context(), r.PathValue("id"), user)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ms)
}

// handleGetAcceptance handles GET /v1/missions/{id}/acceptance for the caller
func (m *Mux) handleGetAcceptance(w http.ResponseWriter, r *http.Request) {
	a, err := m.missions.GetAcceptance(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, a)
}

// handleDeactivateMission handles POST /v1/missions/{id}/deactivate
func (m *Mux) handleDeactivateMission(w http.ResponseWriter, r *http.Request) {
	ms, err := m.missions.DeactivateMission(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ms)
}

// handleSubmitResponse handles POST /v1/missions/{id}/responses
func (m *Mux) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitResponseRequest
	if _, err := m.decode(r, schema.SubmitResponse, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if req.MissionID != "" && req.MissionID != id {
		m.writeError(w, r, errordefs.Validation("missionId", "does not match the mission in the path"))
		return
	}
	req.MissionID = id
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("mission_id", id),
		attribute.Bool("synthesize_voice", req.SynthesizeVoice),
	)

	sub, err := m.missions.SubmitMissionResponse(r.Context(), caller(r), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, sub)
}

// handleListResponses handles GET /v1/missions/{id}/responses
func (m *Mux) handleListResponses(w http.ResponseWriter, r *http.Request) {
	subs, err := m.missions.ListSubmissions(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, subs)
}

// handleGetResponse handles GET /v1/responses/{id}
func (m *Mux) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	sub, err := m.missions.GetSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, sub)
}

// handleFlagResponse handles POST /v1/responses/{id}/flag
func (m *Mux) handleFlagResponse(w http.ResponseWriter, r *http.Request) {
	m.changeStatus(w, r, m.missions.FlagSubmission)
}

// handleRemoveResponse handles POST /v1/responses/{id}/remove
func (m *Mux) handleRemoveResponse(w http.ResponseWriter, r *http.Request) {
	m.changeStatus(w, r, m.missions.RemoveSubmission)
}

func (m *Mux) changeStatus(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, reason string) (*model.Submission, error)) {
	var req model.StatusChangeRequest
	if _, err := m.decode(r, schema.StatusChange, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	sub, err := apply(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, sub)
}

// handleModerateResponse handles POST /v1/responses/{id}/moderate, re-running
// the pipeline synchronously.
func (m *Mux) handleModerateResponse(w http.ResponseWriter, r *http.Request) {
	result, err := m.missions.Moderate(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleGenerateVoice handles POST /v1/voice/generate
func (m *Mux) handleGenerateVoice(w http.ResponseWriter, r *http.Request) {
	var req mission.VoiceRequest
	if _, err := m.decode(r, schema.GenerateVoice, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	res, err := m.missions.GenerateVoice(r.Context(), caller(r), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}
