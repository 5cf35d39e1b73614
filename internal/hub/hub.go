// Package hub owns the registry of live rooms. Like the rooms it
// manages, the hub is an actor: one goroutine, one typed inbox, no
// shared mutable fields.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/exoview/collab/internal/config"
	"github.com/exoview/collab/internal/metrics"
	"github.com/exoview/collab/internal/room"
)

type HubMsg interface{ isHubMsg() }

// EnsureRoom returns the live room for an id, creating it lazily on
// first join.
type EnsureRoom struct {
	ID    string
	Reply chan *room.Room
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room
}

// RemoveRoom is sent by a room that emptied itself. Only a room that is
// actually closed gets removed, so a fresh room reusing the id wins.
type RemoveRoom struct {
	ID string
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*room.Room
	cfg     config.Config
	log     *zap.Logger
	counter *metrics.Counters
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, cfg config.Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room.Room),
		cfg:     cfg,
		log:     log,
		counter: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if rm := h.rooms[msg.ID]; rm != nil && !rm.Closed() {
					msg.Reply <- rm
					break
				}
				rm := h.newRoom(msg.ID)
				h.rooms[msg.ID] = rm
				msg.Reply <- rm

			case GetRoom:
				rm := h.rooms[msg.ID]
				if rm != nil && rm.Closed() {
					rm = nil
				}
				msg.Reply <- rm // may be nil

			case RemoveRoom:
				if rm := h.rooms[msg.ID]; rm != nil && rm.Closed() {
					delete(h.rooms, msg.ID)
					h.log.Info("room removed", zap.String("room", msg.ID))
				}

			case ShutdownHub:
				for _, rm := range h.rooms {
					rm.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
			}
		}
	}
}

func (h *Hub) newRoom(id string) *room.Room {
	h.log.Info("room created", zap.String("room", id))
	return room.New(h.ctx, id, room.Options{
		Cap:        h.cfg.RoomCap,
		Grace:      h.cfg.GracePeriod,
		SweepEvery: h.cfg.SweepInterval,
		Exclusive:  h.cfg.ExclusiveLocks,
		Logger:     h.log,
		Metrics:    h.counter,
		OnEmpty: func(roomID string) {
			h.inbox <- RemoveRoom{ID: roomID}
		},
	})
}
