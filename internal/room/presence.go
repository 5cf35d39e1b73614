package room

import "go.uber.org/zap"

// sweep expires members whose lastSeen fell behind the grace period.
// Expiry goes through the same pruning path as an explicit leave, with
// a single presence broadcast for the whole batch. This is the only
// mechanism that reclaims state for clients that vanished without a
// clean close.
func (r *Room) sweep() {
	now := r.opts.Now()

	var expired []string
	for id, m := range r.members {
		if now.Sub(m.lastSeen) > r.opts.Grace {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	selChanged := false
	for _, id := range expired {
		r.log.Info("expiring silent member",
			zap.String("user", id),
			zap.Duration("grace", r.opts.Grace))
		r.closeOutbox(r.members[id].outbox)
		if r.removeMember(id) {
			selChanged = true
		}
	}
	r.opts.Metrics.Expired(len(expired))

	if len(r.members) == 0 {
		r.finish()
		return
	}
	r.broadcastPresence()
	if selChanged {
		r.broadcast(r.selectionStateMsg())
	}
}
