package server

import (
	"net/http"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/media"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleInitiateBurn handles POST /v1/burn with idempotency support
func (m *Mux) handleInitiateBurn(w http.ResponseWriter, r *http.Request) {
	var req model.BurnRequest
	body, err := m.decode(r, schema.InitiateBurn, &req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("action_type", req.ActionType))

	m.idempotent(w, r, body, http.StatusCreated, func() (any, error) {
		return m.burns.InitiateBurn(r.Context(), caller(r), req)
	})
}

// handleBurnHistory handles GET /v1/burn/history for the caller
func (m *Mux) handleBurnHistory(w http.ResponseWriter, r *http.Request) {
	records, err := m.burns.History(r.Context(), caller(r))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, records)
}

// handleSettleBurn handles POST /v1/burn/{id}/settle
func (m *Mux) handleSettleBurn(w http.ResponseWriter, r *http.Request) {
	record, err := m.burns.Settle(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, record)
}

// handleUploadInit handles POST /v1/recordings/uploadInit
func (m *Mux) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	if m.uploads == nil {
		m.writeError(w, r, errordefs.Unavailable("recording storage", nil))
		return
	}
	var req media.UploadRequest
	if _, err := m.decode(r, schema.RecordingUpload, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("mime_type", req.MimeType),
		attribute.Int64("size", req.Size),
	)

	ticket, err := m.uploads.Init(r.Context(), caller(r), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ticket)
}

// handleCompleteUpload handles POST /v1/recordings/{id}/complete
func (m *Mux) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	if m.uploads == nil {
		m.writeError(w, r, errordefs.Unavailable("recording storage", nil))
		return
	}
	rec, err := m.uploads.Complete(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}
