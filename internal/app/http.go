package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/pipeline"
	"github.com/MrWong99/voicegate/internal/segment"
	"github.com/MrWong99/voicegate/internal/session"
	"github.com/MrWong99/voicegate/internal/warmup"
	"github.com/MrWong99/voicegate/pkg/audio/codec"
)

// maxUploadBytes bounds a single audio upload.
const maxUploadBytes = 32 << 20

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

type utteranceJSON struct {
	Text    string `json:"text"`
	IsFirst bool   `json:"is_first"`
	IsLast  bool   `json:"is_last"`
}

type speechResponse struct {
	Transcript string          `json:"transcript"`
	Response   string          `json:"response"`
	Utterances []utteranceJSON `json:"utterances"`
	Error      string          `json:"error,omitempty"`
}

type sessionsResponse struct {
	STT            int  `json:"stt"`
	LLM            int  `json:"llm"`
	MemoryDegraded bool `json:"memory_degraded"`
}

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/devices/{id}/chat", a.handleChat)
	mux.HandleFunc("POST /v1/devices/{id}/speech", a.handleSpeech)
	mux.HandleFunc("DELETE /v1/devices/{id}", a.handleClear)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "body must be a JSON object with a non-empty text field", http.StatusBadRequest)
		return
	}
	reply, err := a.pipeline.Chat(r.Context(), r.PathValue("id"), req.Text)
	resp := chatResponse{Reply: reply}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (a *App) handleSpeech(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty upload", http.StatusBadRequest)
		return
	}

	var (
		mu  sync.Mutex
		out = []utteranceJSON{}
	)
	sink := func(u segment.Utterance) {
		mu.Lock()
		out = append(out, utteranceJSON{Text: u.Text, IsFirst: u.IsFirst, IsLast: u.IsLast})
		mu.Unlock()
	}

	turn, err := a.pipeline.HandleUpload(r.Context(), r.PathValue("id"), data, sink)
	mu.Lock()
	resp := speechResponse{Transcript: turn.Transcript, Response: turn.Response, Utterances: out}
	mu.Unlock()
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.pipeline.ClearDevice(r.Context(), r.PathValue("id")); err != nil {
		slog.Warn("clear device", "device_id", r.PathValue("id"), "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s, l := a.pipeline.Sessions()
	writeJSON(w, http.StatusOK, sessionsResponse{STT: s, LLM: l, MemoryDegraded: a.MemoryDegraded()})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, warmup.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, codec.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrProviderNotRegistered), errors.Is(err, session.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrRecognition), errors.Is(err, pipeline.ErrInference):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
