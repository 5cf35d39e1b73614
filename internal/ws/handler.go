// Package ws bridges websocket connections to room actors: one reader
// loop per connection feeding the room's inbox, one writer goroutine
// draining the connection's outbox.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/exoview/collab/internal/config"
	"github.com/exoview/collab/internal/hub"
	"github.com/exoview/collab/internal/ratelimit"
	"github.com/exoview/collab/internal/room"
	"github.com/exoview/collab/pkg/protocol"
)

const (
	writeTimeout    = 3 * time.Second
	joinWaitTimeout = 10 * time.Second
)

func Handler(h *hub.Hub, cfg config.Config, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		// The first frame must be a join naming the room and identity.
		joinMsg, ok := readJoin(r.Context(), conn)
		if !ok {
			conn.Close(websocket.StatusPolicyViolation, "expected join")
			return
		}
		userID := joinMsg.User.ID

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.EnsureRoom{ID: joinMsg.RoomID, Reply: reply}
		rm := <-reply

		log := log.With(zap.String("room", joinMsg.RoomID), zap.String("user", userID))
		log.Info("client connected")
		defer log.Info("client disconnected")

		outbox := make(chan protocol.Message, cfg.OutboxSize)
		direct := make(chan protocol.Message, 8) // handler-side replies, never closed

		rm.Inbox() <- room.Join{User: *joinMsg.User, Outbox: outbox}
		// Leave is keyed by the outbox too: if the user rejoined over a
		// fresh socket, this stale handler must not evict them.
		defer func() { rm.Inbox() <- room.Leave{UserID: userID, Outbox: outbox} }()

		// Writer goroutine. When the room closes the outbox (drop,
		// expiry, shutdown) it also tears the socket down so the
		// reader unblocks.
		writeCtx, writeCancel := context.WithCancel(context.Background())
		defer writeCancel()
		go func() {
			for {
				select {
				case msg, open := <-outbox:
					if !open {
						conn.Close(websocket.StatusNormalClosure, "bye")
						return
					}
					write(writeCtx, conn, msg)
				case msg := <-direct:
					write(writeCtx, conn, msg)
				case <-writeCtx.Done():
					return
				}
			}
		}()

		limiter := ratelimit.New(cfg.RateLimit, cfg.RateLimitWindow)

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), cfg.GracePeriod)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				// Clean close or otherwise: the deferred Leave cleans up.
				return
			}

			msg, ok := protocol.Decode(data)
			if !ok {
				continue // permissive parsing: drop without effect
			}
			if msg.Type != protocol.TypeJoin && msg.UserID != userID {
				trySend(direct, protocol.Errorf(string(msg.Type), "wrong_user", "userId does not match this connection"))
				continue
			}
			if !limiter.Allow() {
				trySend(direct, protocol.Errorf(string(msg.Type), "rate_limited", "too many messages"))
				continue
			}

			switch msg.Type {
			case protocol.TypeJoin:
				// Duplicate join on a live connection: idempotent upsert.
				if msg.User == nil || msg.User.ID != userID || msg.RoomID != rm.ID() {
					trySend(direct, protocol.Errorf("join", "bad_join", "join must repeat this connection's room and user"))
					continue
				}
				rm.Inbox() <- room.Join{User: *msg.User, Outbox: outbox}
			case protocol.TypeLeave:
				return // deferred Leave does the work
			case protocol.TypeSelect:
				rm.Inbox() <- room.Select{PlanetID: msg.PlanetID, UserID: userID, From: outbox}
			case protocol.TypeUnselect:
				rm.Inbox() <- room.Unselect{PlanetID: msg.PlanetID, UserID: userID, From: outbox}
			case protocol.TypeJoinViewer:
				rm.Inbox() <- room.JoinViewer{PlanetID: msg.PlanetID, UserID: userID, From: outbox}
			case protocol.TypeLeaveViewer:
				rm.Inbox() <- room.LeaveViewer{PlanetID: msg.PlanetID, UserID: userID, From: outbox}
			case protocol.TypeCamera:
				if msg.Camera == nil {
					continue
				}
				rm.Inbox() <- room.CameraUpdate{PlanetID: msg.PlanetID, UserID: userID, Camera: *msg.Camera, From: outbox}
			case protocol.TypeHeartbeat:
				rm.Inbox() <- room.Heartbeat{UserID: userID, TS: msg.TS, From: outbox}
			default:
				// Server-only tags from a client: drop.
			}
		}
	}
}

func readJoin(ctx context.Context, conn *websocket.Conn) (protocol.Message, bool) {
	readCtx, cancel := context.WithTimeout(ctx, joinWaitTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return protocol.Message{}, false
	}
	msg, ok := protocol.Decode(data)
	if !ok || msg.Type != protocol.TypeJoin || msg.RoomID == "" || msg.User == nil || msg.User.ID == "" {
		return protocol.Message{}, false
	}
	return msg, true
}

func write(ctx context.Context, conn *websocket.Conn, msg protocol.Message) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, protocol.Encode(msg))
}

// trySend never blocks the reader loop on its own reply channel.
func trySend(ch chan protocol.Message, msg protocol.Message) {
	select {
	case ch <- msg:
	default:
	}
}
