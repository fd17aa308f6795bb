// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/modelstore"
	"github.com/tomtom215/custodian/internal/pipeline"
	"github.com/tomtom215/custodian/internal/risk"
)

// maxBodyBytes bounds request bodies; behavioral events are small.
const maxBodyBytes = 256 * 1024

// Pipeline is the processing surface the handlers need.
type Pipeline interface {
	Enqueue(ev *events.Event) error
	RespondToChallenge(ctx context.Context, userID string, answers []risk.Answer) (risk.Outcome, error)
}

// Enroller persists security questions.
type Enroller interface {
	Enroll(ctx context.Context, userID string, questions []authstore.QuestionAnswer) error
}

// MetadataSource serves per-model summaries for the risk endpoint.
type MetadataSource interface {
	LoadMetadata(ctx context.Context, userID string, modality events.Modality) (*modelstore.Metadata, error)
}

// Handler holds the endpoint implementations.
type Handler struct {
	pipeline Pipeline
	enroller Enroller
	metadata MetadataSource
	version  string
}

// NewHandler wires the endpoints. version appears in health responses.
func NewHandler(p Pipeline, enroller Enroller, metadata MetadataSource, version string) *Handler {
	return &Handler{pipeline: p, enroller: enroller, metadata: metadata, version: version}
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// IngestEvent accepts one behavioral event and queues it for scoring.
// Accepted events answer 202; the risk decision arrives over the
// gateway, not in this response.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid event payload")
		return
	}
	ev.EnsureSchemaVersion()

	switch err := h.pipeline.Enqueue(&ev); {
	case err == nil:
		writeSuccess(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
	case errors.Is(err, events.ErrMalformedEvent):
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrQueueSaturated):
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "ingest queue is full")
	default:
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "event could not be accepted")
	}
}

// ChallengeRequest is the challenge response body.
type ChallengeRequest struct {
	UserID  string        `json:"user_id"`
	Answers []risk.Answer `json:"answers"`
}

// RespondChallenge verifies submitted security answers.
func (h *Handler) RespondChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := decodeBody(w, r, &req); err != nil || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "user_id and answers are required")
		return
	}

	outcome, err := h.pipeline.RespondToChallenge(r.Context(), req.UserID, req.Answers)
	if err != nil {
		if errors.Is(err, risk.ErrNoPendingChallenge) {
			writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no challenge is pending for this user")
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "challenge response failed")
		return
	}
	writeSuccess(w, http.StatusOK, outcome)
}

// EnrollRequest carries a user's security questions and answers.
type EnrollRequest struct {
	UserID    string                     `json:"user_id"`
	Questions []authstore.QuestionAnswer `json:"questions"`
}

// Enroll stores a user's security questions with hashed answers.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeBody(w, r, &req); err != nil || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "user_id and questions are required")
		return
	}

	if err := h.enroller.Enroll(r.Context(), req.UserID, req.Questions); err != nil {
		if errors.Is(err, authstore.ErrWrongQuestionCount) {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "enrollment failed")
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

// ModalityStats is one modality's summary in the risk report.
type ModalityStats struct {
	Modality       string    `json:"modality"`
	SampleCount    int       `json:"sample_count"`
	IsWarmup       bool      `json:"is_warmup"`
	AvgRecentScore float64   `json:"avg_recent_score"`
	LastScore      float64   `json:"last_score"`
	LastUpdated    time.Time `json:"last_updated"`
}

// UserRisk is the per-user risk report.
type UserRisk struct {
	UserID     string          `json:"user_id"`
	Modalities []ModalityStats `json:"modalities"`
}

// UserRisk reports per-model sample counts and recent score averages.
// Modalities the user has never exercised are omitted.
func (h *Handler) UserRisk(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}

	report := UserRisk{UserID: userID}
	for _, modality := range events.AllModalities {
		meta, err := h.metadata.LoadMetadata(r.Context(), userID, modality)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "model store unavailable")
			return
		}
		if meta == nil {
			continue
		}
		report.Modalities = append(report.Modalities, ModalityStats{
			Modality:       string(meta.Modality),
			SampleCount:    meta.SampleCount,
			IsWarmup:       meta.SampleCount < meta.WarmupThreshold,
			AvgRecentScore: meta.AvgRecentScore,
			LastScore:      meta.LastScore,
			LastUpdated:    meta.LastUpdated,
		})
	}
	if len(report.Modalities) == 0 {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no models for this user")
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

// decodeBody parses a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
