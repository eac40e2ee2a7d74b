package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/courtbot/ballbot/events"
)

// Message kinds that only travel over the websocket.
const (
	KindStatus         events.Kind = "status"
	KindVelocityUpdate events.Kind = "velocity_update"
)

// ClientMessage is what a websocket client may send.
type ClientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	c := &client{conn: conn}
	s.hub.add(c)
	defer s.hub.remove(c)

	if err := c.send(events.Event{Kind: KindStatus, Time: s.clock.Now(), Data: s.connectionStatus()}); err != nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleClientMessage(r.Context(), c, data); err != nil {
			return
		}
	}
}

// handleClientMessage returns an error only when the reply cannot be written.
func (s *Server) handleClientMessage(ctx context.Context, c *client, data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.send(s.errorEvent(errors.Wrap(errBadRequest, err.Error())))
	}
	switch msg.Type {
	case "robot_control":
		v, err := s.control(ctx, msg.Command)
		if err != nil {
			return c.send(s.errorEvent(err))
		}
		return c.send(events.Event{Kind: KindVelocityUpdate, Time: s.clock.Now(), Data: v})
	case "status":
		return c.send(events.Event{Kind: KindStatus, Time: s.clock.Now(), Data: s.connectionStatus()})
	default:
		return c.send(s.errorEvent(errors.Errorf("unknown message type %q", msg.Type)))
	}
}

func (s *Server) errorEvent(err error) events.Event {
	return events.Event{
		Kind: events.KindError,
		Time: s.clock.Now(),
		Data: events.Message{Source: "web", Message: err.Error()},
	}
}
