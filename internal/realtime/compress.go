package realtime

import (
	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// Compress merges update events addressed to the same key so that a batch
// carries one representative change per record.
//
//   - an update merges into the pending create or update for its key; fields
//     are unioned and the newer value of each field is kept
//   - a create starts a new pending entry that later updates merge into
//   - a delete always survives; it discards the pending entry for its key and
//     updates after it start a new entry
//   - events without a key pass through untouched
//
// Merged entries keep the position of the first event for their key. Which
// side is "newer" is decided by policy, see overrides.
func Compress(events []model.SyncEvent, policy string) []model.SyncEvent {
	if len(events) < 2 {
		return events
	}
	type slot struct {
		ev    model.SyncEvent
		alive bool
	}
	slots := make([]slot, 0, len(events))
	pending := make(map[string]int)

	for _, ev := range events {
		if ev.Key == "" {
			slots = append(slots, slot{ev: ev, alive: true})
			continue
		}
		switch ev.Operation {
		case model.OpDelete:
			if i, ok := pending[ev.Key]; ok {
				slots[i].alive = false
				delete(pending, ev.Key)
			}
			slots = append(slots, slot{ev: ev, alive: true})
		case model.OpUpdate:
			if i, ok := pending[ev.Key]; ok {
				slots[i].ev = merge(slots[i].ev, ev, policy)
				continue
			}
			pending[ev.Key] = len(slots)
			slots = append(slots, slot{ev: cloneEvent(ev), alive: true})
		default:
			pending[ev.Key] = len(slots)
			slots = append(slots, slot{ev: cloneEvent(ev), alive: true})
		}
	}

	out := make([]model.SyncEvent, 0, len(slots))
	for _, s := range slots {
		if s.alive {
			out = append(out, s.ev)
		}
	}
	return out
}

// overrides reports whether next's values replace base's.
//
// timestamp_wins: the later logical timestamp wins; equal timestamps fall
// back to arrival order, so next wins.
// source_wins: a store change is never overridden by a client action;
// otherwise arrival order decides.
func overrides(base, next model.SyncEvent, policy string) bool {
	if policy == config.PolicySourceWins {
		return !(base.Type == model.EventStoreChange && next.Type == model.EventClientAction)
	}
	return next.Timestamp >= base.Timestamp
}

func merge(base, next model.SyncEvent, policy string) model.SyncEvent {
	win := overrides(base, next, policy)
	out := base
	out.Payload = make(map[string]any, len(base.Payload)+len(next.Payload))
	for k, v := range base.Payload {
		out.Payload[k] = v
	}
	for k, v := range next.Payload {
		if _, exists := out.Payload[k]; win || !exists {
			out.Payload[k] = v
		}
	}
	if win {
		out.ID = next.ID
		out.Type = next.Type
		out.Origin = next.Origin
	}
	if next.Timestamp > out.Timestamp {
		out.Timestamp = next.Timestamp
	}
	if next.Version > out.Version {
		out.Version = next.Version
	}
	return out
}

func cloneEvent(ev model.SyncEvent) model.SyncEvent {
	if ev.Payload == nil {
		return ev
	}
	p := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		p[k] = v
	}
	ev.Payload = p
	return ev
}
