package docsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// wsMessage is the websocket envelope. Payload bytes are opaque: the
// server hands them to the merge engine without inspecting them.
type wsMessage struct {
	Type    string `json:"type"` // state | delta | error
	Doc     string `json:"doc,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSHandler upgrades HTTP requests to websocket document sessions.
type WSHandler struct {
	svc           *Service
	allowedOrigin string
	log           zerolog.Logger
}

// NewWSHandler creates the websocket transport for a sync Service.
// allowedOrigin "*" disables the origin check.
func NewWSHandler(svc *Service, allowedOrigin string, log zerolog.Logger) *WSHandler {
	return &WSHandler{svc: svc, allowedOrigin: allowedOrigin, log: log}
}

// ServeHTTP implements http.Handler for websocket upgrade on
// /v0/sync/{doc}.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docName := mux.Vars(r)["doc"]
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		origin = uuid.NewString()
	}
	h.log.Info().Str("doc", docName).Str("origin", origin).Str("ip", r.RemoteAddr).Msg("websocket connection request")

	opts := &websocket.AcceptOptions{OriginPatterns: []string{h.allowedOrigin}}
	if h.allowedOrigin == "*" {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Error().Err(err).Str("doc", docName).Msg("failed to accept websocket")
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.log.Debug().Err(closeErr).Str("doc", docName).Msg("failed to close websocket")
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := h.svc.Connect(ctx, docName, origin)
	if err != nil {
		h.log.Warn().Err(err).Str("doc", docName).Str("origin", origin).Msg("connection rejected")
		_ = writeMessage(ctx, ws, wsMessage{Type: "error", Doc: docName, Message: err.Error()})
		return
	}
	defer conn.Close()

	// Bootstrap the client with the full merged state.
	state, err := conn.State(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("doc", docName).Msg("failed to snapshot state")
		return
	}
	if err := writeMessage(ctx, ws, wsMessage{Type: "state", Doc: docName, Payload: state}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Inbound: client deltas into the merge engine. Detaching here closes
	// the updates channel, which releases the outbound goroutine.
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		h.readLoop(ctx, ws, conn, docName)
	}()

	// Outbound: other clients' deltas to this client.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case u, ok := <-conn.Updates():
				if !ok {
					return
				}
				msg := wsMessage{Type: "delta", Doc: docName, Origin: u.Origin, Payload: u.Delta}
				if err := writeMessage(ctx, ws, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, docName string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writeMessage(ctx, ws, wsMessage{Type: "error", Doc: docName, Message: "invalid message"})
			continue
		}
		if msg.Type != "delta" {
			continue
		}
		if err := conn.Apply(ctx, msg.Payload); err != nil {
			// Only the sender hears about its rejected delta.
			_ = writeMessage(ctx, ws, wsMessage{Type: "error", Doc: docName, Message: err.Error()})
		}
	}
}

func writeMessage(ctx context.Context, ws *websocket.Conn, msg wsMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}
