package ipc

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"time"

	"github.com/odvcencio/termgate/pkg/override"
	"github.com/odvcencio/termgate/pkg/shell"
)

type executeRequest struct {
	Command string `json:"command"`
}

type overrideRequest struct {
	Command    string `json:"command"`
	Reason     string `json:"reason"`
	AcceptRisk bool   `json:"accept_risk"`
}

type approveRequest struct {
	Command      string `json:"command"`
	Confirmation bool   `json:"confirmation"`
	Duration     string `json:"duration"`
}

type chunkEvent struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type resultEvent struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	TimeoutReason string `json:"timeout_reason,omitempty"`
	Cwd           string `json:"cwd"`
}

type errorEvent struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}

// eventStream writes NDJSON events, deferring headers until the first
// event so pre-execution failures can still use a plain error status.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

func (e *eventStream) begin() {
	if e.started {
		return
	}
	e.w.Header().Set("Content-Type", "application/x-ndjson")
	e.w.Header().Set("Cache-Control", "no-store")
	e.w.Header().Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.started = true
}

func (e *eventStream) emit(event any) {
	e.begin()
	_ = e.enc.Encode(event)
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// fail reports an error either as a plain HTTP error (nothing streamed
// yet) or as a terminal stream event.
func (e *eventStream) fail(err error) {
	if !e.started {
		respondError(e.w, err)
		return
	}
	e.emit(errorEvent{
		Type:   "error",
		Status: statusForError(err),
		Code:   errorCode(err),
		Error:  err.Error(),
	})
}

func errorCode(err error) string {
	code, _, _, _ := errorDetails(err)
	return code
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	stream := newEventStream(w)
	result, err := s.controller.ExecuteCommand(r.Context(), req.Command, func(chunk string) {
		stream.emit(chunkEvent{Type: "chunk", Data: chunk})
	})
	s.finishExecution(stream, result, err)
}

func (s *Server) handleExecuteOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	stream := newEventStream(w)
	result, err := s.controller.ExecuteWithOverride(
		r.Context(), req.Command, req.Reason, req.AcceptRisk,
		func(chunk string) {
			stream.emit(chunkEvent{Type: "chunk", Data: chunk})
		})
	s.finishExecution(stream, result, err)
}

func (s *Server) finishExecution(stream *eventStream, result shell.Result, err error) {
	if err != nil {
		stream.fail(err)
		return
	}
	stream.emit(resultEvent{
		Type:          "result",
		Status:        string(result.Status),
		ExitCode:      result.ExitCode,
		TimeoutReason: string(result.TimeoutReason),
		Cwd:           s.controller.WorkingDirectory(),
	})
}

func (s *Server) handlePermissionStatus(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		respondError(w, &override.ValidationError{
			Field:   "command",
			Message: "command query parameter is required",
		})
		return
	}
	respondJSON(w, s.controller.CheckPermissionStatus(command))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	ack, err := s.controller.UserApproveCommand(req.Command, req.Confirmation, req.Duration)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, ack)
}

func (s *Server) handleCwd(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"cwd": s.controller.WorkingDirectory()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetSession(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{
		"status": "reset",
		"cwd":    s.controller.WorkingDirectory(),
	})
}

func (s *Server) handleOverrideHistory(w http.ResponseWriter, r *http.Request) {
	attempts := s.controller.ViewOverrideHistory()
	limit := parseIntDefault(r.URL.Query().Get("limit"), len(attempts))
	if limit < len(attempts) {
		attempts = attempts[len(attempts)-limit:]
	}
	if attempts == nil {
		attempts = []override.Attempt{}
	}
	respondJSON(w, map[string]any{"attempts": attempts})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.controller.SessionState()
	if state == shell.StateTerminated {
		respondErrorStatus(w, http.StatusServiceUnavailable, stdliberrors.New("shell session terminated"))
		return
	}
	respondJSON(w, map[string]string{
		"status":  "ok",
		"session": state.String(),
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
