package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/khamenkhai/taxi-ride-socket/internal/observability"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	handlerTimeout = 10 * time.Second
)

// client binds one websocket connection to a pub/sub subscriber: the read
// pump turns frames into session operations, the write pump drains the
// subscriber channel back to the socket.
type client struct {
	server *Server
	conn   *websocket.Conn
	sub    *pubsub.Subscriber
	userID string
	role   string
}

func newClient(s *Server, conn *websocket.Conn, userID, role string) *client {
	handle := userID + ":" + uuid.NewString()
	return &client{
		server: s,
		conn:   conn,
		sub:    pubsub.NewSubscriber(handle, 256),
		userID: userID,
		role:   role,
	}
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.sendError("", "invalid_payload", "malformed event frame")
			continue
		}
		c.handle(ev)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the session down once, after the read pump exits. The
// disconnect scan runs against the subscription handle so an explicit
// driver:offline or a fresh sign-on racing this is resolved by the
// registry, not here.
func (c *client) close() {
	c.conn.Close()
	c.server.hub.Detach(c.sub)
	observability.ConnectedClients.Dec()
	if c.role == "driver" {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := c.server.registry.Disconnected(ctx, c.sub.ID()); err != nil {
			c.server.logger.Warn("disconnect scan failed", "user_id", c.userID, "error", err)
		}
	}
}

// handle runs one inbound event as its own unit of work: decode, call the
// session manager, report a typed failure back on rejection.
func (c *client) handle(ev clientEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case evRideRequest:
		var p rideRequestPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			r, cerr := c.server.session.CreateRide(ctx, c.userID, p.Pickup, p.Stops)
			err = cerr
			if cerr == nil {
				c.server.hub.Subscribe(c.sub, r.ID)
			}
		}
	case evRideAccept:
		var p rideAcceptPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			_, aerr := c.server.session.AcceptRide(ctx, p.RideID, c.userID, p.Location)
			err = aerr
			if aerr == nil {
				c.server.hub.Subscribe(c.sub, p.RideID)
			}
		}
	case evRideDriverArrived:
		var p rideRefPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			_, err = c.server.session.MarkDriverArrived(ctx, p.RideID)
		}
	case evRideStart:
		var p rideRefPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			_, err = c.server.session.StartRide(ctx, p.RideID)
		}
	case evCompleteDestination:
		var p rideRefPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			_, err = c.server.session.CompleteDestination(ctx, p.RideID)
		}
	case evRideCancel:
		var p rideCancelPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			_, err = c.server.session.CancelRide(ctx, p.RideID, c.userID, p.Reason)
		}
	case evDriverLocation:
		var p driverLocationPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			err = c.server.session.UpdateDriverLocation(ctx, p.RideID, p.Location)
		}
	case evDriverOnline:
		err = c.server.registry.Online(ctx, c.userID, c.sub.ID())
	case evDriverOffline:
		err = c.server.registry.Offline(ctx, c.userID)
	case evUserReconnect:
		var p reconnectPayload
		if err = json.Unmarshal(ev.Data, &p); err == nil {
			err = c.server.session.ResyncOnReconnect(ctx, c.sub, c.userID, c.role, p.RideID)
		}
	default:
		c.sendError(ev.Type, "unknown_event", "unsupported event type")
		return
	}

	if err != nil {
		code, msg := errorCode(err)
		c.sendError(ev.Type, code, msg)
	}
}

func (c *client) sendError(request, code, message string) {
	_ = c.server.hub.Send(c.sub, evError, errorPayload{Request: request, Code: code, Message: message})
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, session.ErrInvalidPayload):
		return "invalid_payload", err.Error()
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state", err.Error()
	case errors.Is(err, session.ErrRideUnavailable):
		return "ride_unavailable", err.Error()
	case errors.Is(err, session.ErrAlreadyTerminal):
		return "already_terminal", err.Error()
	case errors.Is(err, session.ErrNoDestinations):
		return "no_destinations", err.Error()
	case errors.Is(err, session.ErrActiveRide):
		return "active_ride", err.Error()
	case errors.Is(err, session.ErrNotFound):
		return "not_found", err.Error()
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "invalid_payload", "malformed payload"
	}
	return "internal", "operation failed"
}
