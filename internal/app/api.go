package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/internal/dialogue"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/pipeline"
	"github.com/MrWong99/talkinghead/internal/playback"
)

const maxBodyBytes = 1 << 20

var errUnknownCharacter = errors.New("app: unknown character")

// SayRequest is the body of POST /v1/say. Text, when set, is spoken before
// Lines.
type SayRequest struct {
	Character  string   `json:"character"`
	Text       string   `json:"text,omitempty"`
	Lines      []string `json:"lines,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// SayResponse is returned by POST /v1/say.
type SayResponse struct {
	RequestID string `json:"request_id"`
}

// TurnRequest is one turn in POST /v1/dialogue.
type TurnRequest struct {
	Character  string `json:"character"`
	Text       string `json:"text"`
	Expression string `json:"expression,omitempty"`
}

// DialogueRequest is the body of POST /v1/dialogue.
type DialogueRequest struct {
	Turns []TurnRequest `json:"turns"`
}

// CharacterStatus describes one character in GET /v1/characters.
type CharacterStatus struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	State       string   `json:"state"`
	QueueEmpty  bool     `json:"queue_empty"`
	Playing     bool     `json:"playing"`
	Expressions []string `json:"expressions,omitempty"`
}

// CharactersResponse is returned by GET /v1/characters.
type CharactersResponse struct {
	Characters   []CharacterStatus `json:"characters"`
	Speaker      string            `json:"speaker,omitempty"`
	PendingTurns int               `json:"pending_turns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP API:
//
//	POST   /v1/say                       queue lines for one character
//	POST   /v1/dialogue                  queue dialogue turns
//	DELETE /v1/dialogue                  drop queued turns
//	GET    /v1/characters                list characters and their state
//	POST   /v1/characters/{id}/{action}  pause, resume or stop a character
//	GET    /v1/events                    WebSocket event and frame stream
//	GET    /metrics, /healthz, /readyz
func (a *App) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/say", a.handleSay)
	api.HandleFunc("POST /v1/dialogue", a.handleDialogue)
	api.HandleFunc("DELETE /v1/dialogue", a.handleClearDialogue)
	api.HandleFunc("GET /v1/characters", a.handleCharacters)
	api.HandleFunc("POST /v1/characters/{id}/{action}", a.handleControl)
	api.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(api)

	root := http.NewServeMux()
	// The event stream hijacks the connection and stays outside the
	// request middleware.
	root.Handle("GET /v1/events", a.hub)
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

func (a *App) handleSay(w http.ResponseWriter, r *http.Request) {
	var req SayRequest
	if !decode(w, r, &req) {
		return
	}
	ctrl, ok := a.Controller(req.Character)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", errUnknownCharacter, req.Character))
		return
	}
	ch := ctrl.Character()
	if ch == nil {
		writeError(w, pipeline.ErrNotLoaded)
		return
	}
	expr, err := ch.ExpressionByName(req.Expression)
	if err != nil {
		writeError(w, err)
		return
	}
	lines := req.Lines
	if req.Text != "" {
		lines = append([]string{req.Text}, lines...)
	}
	id, err := ctrl.Enqueue(pipeline.Request{Lines: lines, Expression: expr})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SayResponse{RequestID: id})
}

func (a *App) handleDialogue(w http.ResponseWriter, r *http.Request) {
	var req DialogueRequest
	if !decode(w, r, &req) {
		return
	}
	cfgTurns := make([]config.TurnConfig, len(req.Turns))
	for i, t := range req.Turns {
		cfgTurns[i] = config.TurnConfig{Character: t.Character, Text: t.Text, Expression: t.Expression}
	}
	turns, err := a.resolveTurns(cfgTurns)
	if err == nil {
		err = a.orch.Enqueue(turns...)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(turns), "pending": a.orch.Pending()})
}

func (a *App) handleClearDialogue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"dropped": a.orch.Clear()})
}

func (a *App) handleCharacters(w http.ResponseWriter, _ *http.Request) {
	resp := CharactersResponse{
		Characters:   []CharacterStatus{},
		Speaker:      a.orch.Active(),
		PendingTurns: a.orch.Pending(),
	}
	for _, id := range a.Characters() {
		ctrl, ok := a.Controller(id)
		if !ok {
			continue
		}
		resp.Characters = append(resp.Characters, characterStatus(ctrl))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctrl, ok := a.Controller(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", errUnknownCharacter, id))
		return
	}
	switch action := r.PathValue("action"); action {
	case "pause":
		ctrl.Pause()
	case "resume":
		ctrl.Resume()
	case "stop":
		ctrl.Stop()
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown action %q", action)})
		return
	}
	writeJSON(w, http.StatusOK, characterStatus(ctrl))
}

func characterStatus(ctrl *playback.Controller) CharacterStatus {
	st := ctrl.Status()
	cs := CharacterStatus{
		ID:         ctrl.ID(),
		State:      st.State.String(),
		QueueEmpty: st.QueueEmpty,
		Playing:    st.Playing,
	}
	if ch := ctrl.Character(); ch != nil {
		cs.Name = ch.Name
		for _, x := range ch.Expressions {
			cs.Expressions = append(cs.Expressions, x.Name)
		}
	}
	return cs
}

// decode reads a JSON body into v and reports a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownCharacter), errors.Is(err, dialogue.ErrUnknownCharacter):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotLoaded), errors.Is(err, pipeline.ErrClosed):
		status = http.StatusConflict
	case errors.As(err, &verr), errors.Is(err, pipeline.ErrUnknownExpression), errors.Is(err, pipeline.ErrEmptyText):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
