package reservation

import "go.uber.org/zap"

// State is the progress of one reservation attempt.
type State string

const (
	StateIdle          State = "idle"
	StateLockPending   State = "lock_pending"
	StateLocked        State = "locked"
	StateStoreUpdating State = "store_updating"
	StateCommitted     State = "committed"
	StateRejected      State = "rejected"
)

type attempt struct {
	op     string
	connID string
	seatID string
	state  State
	logger *zap.SugaredLogger
}

func (s *Service) begin(op, connID, seatID string) *attempt {
	return &attempt{op: op, connID: connID, seatID: seatID, state: StateIdle, logger: s.logger}
}

// to records a transition. Terminal states are final.
func (a *attempt) to(next State) {
	if a.state == StateCommitted || a.state == StateRejected {
		return
	}
	a.logger.Debugw("attempt transition", "op", a.op, "seat", a.seatID, "conn", a.connID, "from", a.state, "to", next)
	a.state = next
}
