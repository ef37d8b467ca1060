package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
)

const maxBodyBytes = 4 << 20

// Handler serves the request/response API the sync clients poll and push against.
type Handler struct {
	service *app.AnswerService
}

func NewHandler(service *app.AnswerService) *Handler {
	return &Handler{service: service}
}

// Register mounts the answer and submission routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tests/{testId}/teams/{teamId}/answers", h.createDocument)
	mux.HandleFunc("GET /tests/{testId}/teams/{teamId}/answers", h.getDocument)
	mux.HandleFunc("PATCH /tests/{testId}/teams/{teamId}/answers", h.applyFieldUpdate)
	mux.HandleFunc("PUT /tests/{testId}/teams/{teamId}/answers", h.replaceAll)
	mux.HandleFunc("GET /tests/{testId}/teams/{teamId}/submission", h.checkSubmitted)
	mux.HandleFunc("POST /tests/{testId}/teams/{teamId}/submission", h.submit)
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	doc, err := h.service.Create(r.Context(), callerID(r), documentKey(r), req.Answers, req.Drawings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), callerID(r), documentKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) applyFieldUpdate(w http.ResponseWriter, r *http.Request) {
	var req FieldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	update, err := req.FieldUpdate()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid field update: %v", err), Code: CodeInvalidPayload})
		return
	}
	doc, err := h.service.ApplyFieldUpdate(r.Context(), callerID(r), documentKey(r), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) replaceAll(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	doc, err := h.service.ReplaceAll(r.Context(), callerID(r), documentKey(r), req.Answers, req.Drawings, req.TimeLeftSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) checkSubmitted(w http.ResponseWriter, r *http.Request) {
	submitted, err := h.service.CheckSubmitted(r.Context(), callerID(r), documentKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmittedResponse{Submitted: submitted})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.service.Submit(r.Context(), callerID(r), documentKey(r), req.TimeLeftSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func callerID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func documentKey(r *http.Request) domain.DocumentKey {
	return domain.DocumentKey{TestID: r.PathValue("testId"), TeamID: r.PathValue("teamId")}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// An empty body decodes as the zero request.
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err), Code: CodeInvalidPayload})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
