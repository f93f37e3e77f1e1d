package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/middleware"
	"github.com/iliyamo/seatmap-sync/internal/model"
	"github.com/iliyamo/seatmap-sync/internal/realtime"
	"github.com/iliyamo/seatmap-sync/internal/repository"
	"github.com/iliyamo/seatmap-sync/internal/reservation"
	"github.com/iliyamo/seatmap-sync/internal/utils"
)

// SeatService is the reservation surface used by the socket handler.
type SeatService interface {
	Select(ctx context.Context, connID, userID, seatID string) reservation.Result
	Release(ctx context.Context, connID, userID, seatID string) reservation.Result
	FloorView(ctx context.Context, floorID string) (*model.Floor, []model.Seat, error)
}

// SyncHandler serves the /ws endpoint. Each socket gets one reader (this
// handler's goroutine) and one writer draining the connection's outbox.
// Seat actions run in their own goroutines so that a slow transaction does
// not hold up pings or subscriptions on the same socket.
type SyncHandler struct {
	registry *realtime.Registry
	seats    SeatService
	secret   string
	cfg      config.SocketConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewSyncHandler(registry *realtime.Registry, seats SeatService, jwtSecret string, cfg config.SocketConfig, logger *zap.SugaredLogger) *SyncHandler {
	return &SyncHandler{
		registry: registry,
		seats:    seats,
		secret:   jwtSecret,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and runs the socket until either side closes.
// A user authenticated by the JWT middleware is attached right away; others
// may send an auth message later.
func (h *SyncHandler) Serve(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return nil
	}

	conn := h.registry.Register()
	if id := middleware.UserID(c); id != "" {
		conn.SetUserID(id)
	}
	log := h.logger.With("conn", conn.ID)
	log.Infow("client connected", "user", conn.UserID(), "remote", c.RealIP())

	ctx, cancel := context.WithCancel(c.Request().Context())
	var actions sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn, log)
	}()

	h.readPump(ctx, ws, conn, &actions, log)

	cancel()
	h.registry.Unregister(conn.ID)
	<-writerDone
	_ = ws.Close()
	actions.Wait()
	log.Infow("client disconnected")
	return nil
}

func (h *SyncHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *realtime.Connection, actions *sync.WaitGroup, log *zap.SugaredLogger) {
	if h.cfg.ReadLimit > 0 {
		ws.SetReadLimit(h.cfg.ReadLimit)
	}
	extend := func() {
		conn.Touch(time.Now())
		if h.cfg.HeartbeatTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read failed", "error", err)
			}
			return
		}
		extend()

		var msg realtime.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.replyError(conn, reservation.ReasonInvalidRequest, "malformed message")
			continue
		}
		h.dispatch(ctx, conn, msg, actions, log)
	}
}

// writePump owns every write to ws. It also sends protocol pings so that
// idle clients keep answering with pongs.
func (h *SyncHandler) writePump(ws *websocket.Conn, conn *realtime.Connection, log *zap.SugaredLogger) {
	period := h.cfg.HeartbeatTimeout * 9 / 10
	if period <= 0 {
		period = 54 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	deadline := func() time.Time { return time.Now().Add(h.cfg.WriteTimeout) }
	for {
		select {
		case frame, ok := <-conn.Outbox():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
				return
			}
			_ = ws.SetWriteDeadline(deadline())
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugw("write failed", "error", err)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(deadline())
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (h *SyncHandler) dispatch(ctx context.Context, conn *realtime.Connection, msg realtime.Inbound, actions *sync.WaitGroup, log *zap.SugaredLogger) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorw("message handler panicked", "type", msg.Type, "panic", p)
			h.replyError(conn, reservation.ReasonServerError, "")
		}
	}()

	switch msg.Type {
	case realtime.MsgSeatSelect, realtime.MsgSeatRelease:
		var req realtime.SeatRequest
		if err := decode(msg.Payload, &req); err != nil || req.SeatID == "" {
			h.replySeat(conn, msg.Type, reservation.Result{SeatID: req.SeatID, Reason: reservation.ReasonInvalidRequest})
			return
		}
		actions.Add(1)
		go func() {
			defer actions.Done()
			var res reservation.Result
			if msg.Type == realtime.MsgSeatSelect {
				res = h.seats.Select(ctx, conn.ID, conn.UserID(), req.SeatID)
			} else {
				res = h.seats.Release(ctx, conn.ID, conn.UserID(), req.SeatID)
			}
			h.replySeat(conn, msg.Type, res)
		}()

	case realtime.MsgFloorChange:
		var req realtime.FloorRequest
		if err := decode(msg.Payload, &req); err != nil || req.FloorID == "" {
			h.replyError(conn, reservation.ReasonInvalidRequest, "floorId is required")
			return
		}
		h.changeFloor(ctx, conn, req.FloorID, log)

	case realtime.MsgSubscribe, realtime.MsgUnsubscribe:
		var req realtime.EntityRequest
		if err := decode(msg.Payload, &req); err != nil || req.Entity == "" {
			h.replyError(conn, reservation.ReasonInvalidRequest, "entity is required")
			return
		}
		if msg.Type == realtime.MsgSubscribe {
			if _, err := h.registry.Subscribe(conn.ID, req.Entity); err != nil {
				log.Debugw("subscribe rejected", "entity", req.Entity, "error", err)
				h.replyError(conn, reservation.ReasonServerError, "")
				return
			}
			h.push(conn, realtime.MsgSubscribed, realtime.EntityReply{Entity: req.Entity})
			return
		}
		h.registry.Unsubscribe(conn.ID, req.Entity)
		h.push(conn, realtime.MsgUnsubscribed, realtime.EntityReply{Entity: req.Entity})

	case realtime.MsgAuth:
		var req realtime.AuthRequest
		_ = decode(msg.Payload, &req)
		id, err := utils.ParseUserID(h.secret, req.Token)
		if err != nil {
			h.replyError(conn, reservation.ReasonUnauthenticated, "invalid token")
			return
		}
		conn.SetUserID(id)
		h.push(conn, realtime.MsgAuthenticated, realtime.AuthReply{UserID: id})

	case realtime.MsgPing:
		h.push(conn, realtime.MsgPong, realtime.PongReply{Timestamp: time.Now().UnixMilli()})

	default:
		h.replyError(conn, reservation.ReasonInvalidRequest, "unknown message type")
	}
}

// changeFloor moves the implicit floor subscription and sends the floor's
// seats. The new topic is subscribed before the snapshot is read so that no
// change falls between the two.
func (h *SyncHandler) changeFloor(ctx context.Context, conn *realtime.Connection, floorID string, log *zap.SugaredLogger) {
	if prev := conn.SwapFloor(floorID); prev != "" && prev != floorID {
		h.registry.Unsubscribe(conn.ID, model.FloorTopic(prev))
	}
	if _, err := h.registry.Subscribe(conn.ID, model.FloorTopic(floorID)); err != nil {
		log.Debugw("subscribe rejected", "entity", model.FloorTopic(floorID), "error", err)
		h.replyError(conn, reservation.ReasonServerError, "")
		return
	}

	floor, seats, err := h.seats.FloorView(ctx, floorID)
	switch {
	case errors.Is(err, repository.ErrFloorNotFound):
		h.replyError(conn, reservation.ReasonInvalidRequest, "unknown floor")
		return
	case err != nil:
		log.Errorw("load floor failed", "floor", floorID, "error", err)
		h.replyError(conn, reservation.ReasonServerError, "")
		return
	}
	h.push(conn, realtime.MsgFloorData, realtime.FloorData{Floor: floor, Seats: seats})
}

func (h *SyncHandler) replySeat(conn *realtime.Connection, op string, res reservation.Result) {
	typ := seatReplyType(op, res.OK)
	h.push(conn, typ, realtime.SeatReply{
		SeatID:     res.SeatID,
		Reason:     string(res.Reason),
		OccupantID: res.OccupantID,
		Status:     string(res.Status),
		Seat:       res.Seat,
	})
}

func seatReplyType(op string, ok bool) string {
	switch {
	case op == realtime.MsgSeatSelect && ok:
		return realtime.MsgSeatSelectionSuccess
	case op == realtime.MsgSeatSelect:
		return realtime.MsgSeatSelectionFailed
	case ok:
		return realtime.MsgSeatReleaseSuccess
	default:
		return realtime.MsgSeatReleaseFailed
	}
}

func (h *SyncHandler) replyError(conn *realtime.Connection, reason reservation.Reason, message string) {
	h.push(conn, realtime.MsgError, realtime.ErrorReply{Reason: string(reason), Message: message})
}

// push queues a reply; a closed or saturated connection just loses it.
func (h *SyncHandler) push(conn *realtime.Connection, typ string, payload any) {
	if err := h.registry.Push(conn.ID, realtime.Outbound{Type: typ, Payload: payload}); err != nil {
		h.logger.Debugw("reply dropped", "conn", conn.ID, "type", typ, "error", err)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}
