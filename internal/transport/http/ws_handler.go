package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
)

// WSHandler streams document snapshots to live clients and accepts field updates
// over the same connection. Polling clients never need it.
type WSHandler struct {
	service  *app.AnswerService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.AnswerService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func errorMessage(err error) outboundMessage {
	_, code := StatusFor(err)
	return outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error(), Code: code}}
}

func eventMessage(ev app.DocumentEvent) outboundMessage {
	if ev.Submitted {
		return outboundMessage{Type: "submitted", Payload: ev.Document}
	}
	return outboundMessage{Type: "snapshot", Payload: ev.Document}
}

// deliver queues msg for the writer. It reports false once the writer has exited,
// so callers never block on a dead connection.
func deliver(send chan<- outboundMessage, writerDone <-chan struct{}, msg outboundMessage) bool {
	select {
	case send <- msg:
		return true
	case <-writerDone:
		return false
	}
}

// ServeWS upgrades the request and wires the connection into the document hub.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := domain.DocumentKey{TestID: q.Get("testId"), TeamID: q.Get("teamId")}
	userID := q.Get("userId")
	if userID == "" {
		userID = r.Header.Get(UserHeader)
	}
	if key.TestID == "" || key.TeamID == "" || userID == "" {
		http.Error(w, "missing testId, teamId, or userId", http.StatusBadRequest)
		return
	}
	hub := h.service.Hub()
	if hub == nil {
		http.Error(w, "live stream disabled", http.StatusNotFound)
		return
	}
	submitted, err := h.service.CheckSubmitted(r.Context(), userID, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before the initial read so no write lands in the gap.
	updates, cancel := hub.Subscribe(key)
	defer cancel()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				// Unblocks the read loop below.
				_ = conn.Close()
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- eventMessage(ev):
				case <-writerDone:
					return
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(msg outboundMessage) bool { return deliver(send, writerDone, msg) }

	doc, err := h.service.Get(r.Context(), userID, key)
	switch {
	case err == nil:
		reply(eventMessage(app.DocumentEvent{Document: doc, Submitted: submitted}))
	case errors.Is(err, domain.ErrNotFound):
		if submitted {
			reply(outboundMessage{Type: "submitted", Payload: nil})
		}
	default:
		reply(errorMessage(err))
	}

	log.Debug().Str("document", key.String()).Str("user_id", userID).Msg("ws client attached")

	for alive := true; alive; {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "field":
			var req FieldRequest
			if err := json.Unmarshal(inbound.Payload, &req); err != nil {
				alive = reply(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid field payload", Code: CodeInvalidPayload}})
				continue
			}
			update, err := req.FieldUpdate()
			if err != nil {
				alive = reply(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error(), Code: CodeInvalidPayload}})
				continue
			}
			// Accepted writes come back to every subscriber, this one included, through the hub.
			if _, err := h.service.ApplyFieldUpdate(r.Context(), userID, key, update); err != nil {
				alive = reply(errorMessage(err))
			}
		default:
			alive = reply(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type", Code: CodeInvalidPayload}})
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
