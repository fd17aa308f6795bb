// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/pipeline"
	"github.com/tomtom215/custodian/internal/risk"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// Behavioral events per second allowed on one connection, with a
	// burst headroom for buffered client flushes.
	eventRateLimit = 50
	eventRateBurst = 100
)

// EventSink is the pipeline surface the gateway needs.
type EventSink interface {
	Enqueue(ev *events.Event) error
	RespondToChallenge(ctx context.Context, userID string, answers []risk.Answer) (risk.Outcome, error)
}

// Client is one authenticated WebSocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	sink     EventSink
	userID   string
	clientID string
	limiter  *rate.Limiter
	send     chan OutMessage
}

// NewClient wraps an upgraded connection. clientID may be empty until
// the hello message arrives.
func NewClient(hub *Hub, conn *websocket.Conn, sink EventSink, userID, clientID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		sink:     sink,
		userID:   userID,
		clientID: clientID,
		limiter:  rate.NewLimiter(rate.Limit(eventRateLimit), eventRateBurst),
		send:     make(chan OutMessage, 64),
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump reads client messages until the connection drops. Malformed
// input gets a typed error reply; only transport errors end the loop.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("user_id", c.userID).Msg("unexpected websocket close")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(ErrCodeMalformed, "message is not valid JSON")
			continue
		}
		c.dispatch(&msg)
	}
}

// dispatch routes one inbound message. Unknown types and bad payloads
// never terminate the connection.
func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case MessageTypeHello:
		var hello HelloData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &hello); err != nil {
				c.replyError(ErrCodeMalformed, "invalid hello payload")
				return
			}
		}
		if hello.ClientID != "" {
			c.clientID = hello.ClientID
		}
		c.reply(OutMessage{Type: MessageTypeWelcome, Data: WelcomeData{
			UserID:        c.userID,
			ServerTime:    time.Now().UTC(),
			SchemaVersion: events.SchemaVersion,
		}})

	case MessageTypePing:
		c.reply(OutMessage{Type: MessageTypePong})

	case MessageTypeSecurityResponse:
		c.handleSecurityResponse(msg.Data)

	case string(events.EventTypeTap), string(events.EventTypeSwipe),
		string(events.EventTypeTyping), string(events.EventTypeGeolocation),
		string(events.EventTypeIPChange), string(events.EventTypeDeviceInfo):
		c.handleEvent(events.EventType(msg.Type), msg.Data)

	default:
		c.replyError(ErrCodeMalformed, "unknown message type: "+msg.Type)
	}
}

// handleEvent builds a behavioral event from a wire payload and hands
// it to the pipeline. Identity comes from the session, never from the
// payload.
func (c *Client) handleEvent(t events.EventType, data json.RawMessage) {
	if !c.limiter.Allow() {
		c.replyError(ErrCodeRateLimited, "event rate limit exceeded")
		return
	}

	ev := events.New(t, c.userID, c.clientID)
	ev.RawPayload = data

	var err error
	switch t {
	case events.EventTypeTap:
		ev.Tap = &events.TapPayload{}
		err = json.Unmarshal(data, ev.Tap)
	case events.EventTypeSwipe:
		ev.Swipe = &events.SwipePayload{}
		err = json.Unmarshal(data, ev.Swipe)
	case events.EventTypeTyping:
		ev.Typing = &events.TypingPayload{}
		err = json.Unmarshal(data, ev.Typing)
	case events.EventTypeGeolocation, events.EventTypeIPChange:
		ev.Geo = &events.GeoPayload{}
		err = json.Unmarshal(data, ev.Geo)
	case events.EventTypeDeviceInfo:
		ev.Device = &events.DevicePayload{}
		err = json.Unmarshal(data, ev.Device)
	}
	if err != nil {
		c.replyError(ErrCodeMalformed, "invalid "+string(t)+" payload")
		return
	}

	switch err := c.sink.Enqueue(ev); {
	case err == nil:
	case errors.Is(err, pipeline.ErrQueueSaturated):
		c.replyError(ErrCodeOverloaded, "server is overloaded, event dropped")
	case errors.Is(err, events.ErrMalformedEvent):
		c.replyError(ErrCodeMalformed, "invalid "+string(t)+" payload")
	default:
		c.replyError(ErrCodeInternal, "event could not be accepted")
	}
}

func (c *Client) handleSecurityResponse(data json.RawMessage) {
	var resp SecurityResponseData
	if err := json.Unmarshal(data, &resp); err != nil {
		c.replyError(ErrCodeMalformed, "invalid security_response payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := c.sink.RespondToChallenge(ctx, c.userID, resp.Answers)
	if err != nil {
		if errors.Is(err, risk.ErrNoPendingChallenge) {
			c.replyError(ErrCodeNoChallenge, "no challenge is pending")
			return
		}
		logging.Error().Err(err).Str("user_id", c.userID).Msg("challenge response failed")
		c.replyError(ErrCodeInternal, "challenge response could not be processed")
		return
	}

	c.reply(OutMessage{Type: MessageTypeResponseResult, Data: ResponseResultData{
		Success:  outcome.Success,
		Action:   outcome.Action,
		Correct:  outcome.Correct,
		Required: outcome.Required,
		Degraded: outcome.Degraded,
	}})
}

// reply queues an outbound message, dropping it if the writer is stuck.
func (c *Client) reply(msg OutMessage) {
	select {
	case c.send <- msg:
	default:
		logging.Warn().Str("user_id", c.userID).Str("type", msg.Type).
			Msg("client send buffer full, message dropped")
	}
}

func (c *Client) replyError(code, message string) {
	c.reply(OutMessage{Type: MessageTypeError, Data: ErrorData{Code: code, Message: message}})
}

// writePump drains the send channel onto the connection, keeping the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Warn().Err(err).Str("user_id", c.userID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
