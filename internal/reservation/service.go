// Package reservation implements seat selection and release. Every attempt
// takes the seat's distributed lock, re-checks and updates the seat inside a
// store transaction, releases the lock and then announces the new state to
// subscribers as store_change events.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/breaker"
	"github.com/iliyamo/seatmap-sync/internal/lock"
	"github.com/iliyamo/seatmap-sync/internal/metrics"
	"github.com/iliyamo/seatmap-sync/internal/model"
	"github.com/iliyamo/seatmap-sync/internal/ratelimit"
	"github.com/iliyamo/seatmap-sync/internal/repository"
)

// Reason is the machine readable cause of a rejected attempt.
type Reason string

const (
	ReasonSeatOccupied     Reason = "seat_occupied"
	ReasonSeatLocked       Reason = "seat_locked"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonServerError      Reason = "server_error"
	ReasonSeatNotFound     Reason = "seat_not_found"
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonInvalidRequest   Reason = "invalid_request"
)

// Dependency names used for circuit breakers.
const (
	DepStore = "mysql"
	DepLock  = "redis"
)

const (
	opSelect  = "seat_select"
	opRelease = "seat_release"
)

// Result is the reply to one select or release attempt.
type Result struct {
	SeatID     string
	OK         bool
	Reason     Reason
	OccupantID string           // set with seat_occupied when someone holds the seat
	Status     model.SeatStatus // current status with seat_occupied
	Seat       *model.Seat      // new state on success
}

// SeatStore is the persistence the service needs. repository.SeatRepo
// implements it.
type SeatStore interface {
	GetByID(ctx context.Context, id string) (*model.Seat, error)
	ListByFloor(ctx context.Context, floorID string) ([]model.Seat, error)
	Occupy(ctx context.Context, seatID, userID string, at time.Time, verify func(context.Context) error) (*model.Seat, error)
	Vacate(ctx context.Context, seatID, userID string, at time.Time, verify func(context.Context) error) (*model.Seat, error)
}

type FloorStore interface {
	GetByID(ctx context.Context, id string) (*model.Floor, error)
}

// EventSink receives the events of committed changes.
type EventSink interface {
	Submit(ctx context.Context, ev model.SyncEvent) error
}

// ChangePublisher forwards committed changes to other instances.
type ChangePublisher interface {
	Publish(ctx context.Context, events []model.SyncEvent) error
}

type Limiter interface {
	Allow(ctx context.Context, userID, action string) (ratelimit.Decision, error)
}

// Deps collects the collaborators of a Service. Publisher, Limiter and
// Breakers are optional.
type Deps struct {
	Seats     SeatStore
	Floors    FloorStore
	Locker    lock.Locker
	Events    EventSink
	Publisher ChangePublisher
	Limiter   Limiter
	Breakers  *breaker.Set
	LockTTL   time.Duration
	Origin    string // instance id stamped on emitted events
	Logger    *zap.SugaredLogger
}

// Service is the seat reservation state machine.
type Service struct {
	seats     SeatStore
	floors    FloorStore
	locker    lock.Locker
	events    EventSink
	publisher ChangePublisher
	limiter   Limiter
	breakers  *breaker.Set
	ttl       time.Duration
	origin    string
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// New builds a Service. Lock calls go through the "redis" breaker and store
// calls through the "mysql" breaker when d.Breakers is set.
func New(d Deps) *Service {
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		seats:     d.Seats,
		floors:    d.Floors,
		locker:    guardedLocker{inner: d.Locker, breakers: d.Breakers},
		events:    d.Events,
		publisher: d.Publisher,
		limiter:   d.Limiter,
		breakers:  d.Breakers,
		ttl:       ttl,
		origin:    d.Origin,
		now:       time.Now,
		logger:    logger,
	}
}

// LockKey is the distributed lock guarding a seat.
func LockKey(seatID string) string { return "seat:" + seatID }

// Select makes userID the occupant of seatID. connID identifies the
// requesting connection and is the lock holder.
func (s *Service) Select(ctx context.Context, connID, userID, seatID string) (res Result) {
	a := s.begin(opSelect, connID, seatID)
	defer s.recoverInto(a, &res)

	if r, stop := s.admit(ctx, a, userID); stop {
		return r
	}

	cur, err := s.getSeat(ctx, seatID)
	if err != nil {
		return s.fail(a, err)
	}
	if cur.Status != model.SeatAvailable {
		return s.fail(a, &repository.UnavailableError{Seat: *cur})
	}

	updated, err := s.mutate(ctx, a, func(ctx context.Context, verify func(context.Context) error) (*model.Seat, error) {
		return s.seats.Occupy(ctx, seatID, userID, s.now(), verify)
	})
	if err != nil {
		return s.fail(a, err)
	}
	return s.commit(ctx, a, updated)
}

// Release frees seatID if userID currently occupies it.
func (s *Service) Release(ctx context.Context, connID, userID, seatID string) (res Result) {
	a := s.begin(opRelease, connID, seatID)
	defer s.recoverInto(a, &res)

	if r, stop := s.admit(ctx, a, userID); stop {
		return r
	}

	cur, err := s.getSeat(ctx, seatID)
	if err != nil {
		return s.fail(a, err)
	}
	if cur.Status != model.SeatOccupied || cur.Occupant() != userID {
		return s.fail(a, repository.ErrNotOccupant)
	}

	updated, err := s.mutate(ctx, a, func(ctx context.Context, verify func(context.Context) error) (*model.Seat, error) {
		return s.seats.Vacate(ctx, seatID, userID, s.now(), verify)
	})
	if err != nil {
		return s.fail(a, err)
	}
	return s.commit(ctx, a, updated)
}

// FloorView loads a floor and all of its seats.
func (s *Service) FloorView(ctx context.Context, floorID string) (*model.Floor, []model.Seat, error) {
	var (
		floor *model.Floor
		seats []model.Seat
	)
	err := s.breakers.Run(DepStore, func() error {
		var err error
		if floor, err = s.floors.GetByID(ctx, floorID); err != nil {
			return err
		}
		seats, err = s.seats.ListByFloor(ctx, floorID)
		return err
	}, func(err error) bool { return errors.Is(err, repository.ErrFloorNotFound) })
	if err != nil {
		return nil, nil, err
	}
	return floor, seats, nil
}

// admit checks identity and the per-user rate limit.
func (s *Service) admit(ctx context.Context, a *attempt, userID string) (Result, bool) {
	if userID == "" {
		return s.reject(a, ReasonUnauthenticated, ""), true
	}
	if s.limiter == nil {
		return Result{}, false
	}
	dec, err := s.limiter.Allow(ctx, userID, a.op)
	if err != nil {
		s.logger.Warnw("rate limiter unavailable", "user", userID, "error", err)
	}
	if !dec.Allowed {
		return s.reject(a, ReasonRateLimited, ""), true
	}
	return Result{}, false
}

func (s *Service) getSeat(ctx context.Context, seatID string) (*model.Seat, error) {
	var seat *model.Seat
	err := s.breakers.Run(DepStore, func() error {
		var err error
		seat, err = s.seats.GetByID(ctx, seatID)
		return err
	}, isExpected)
	return seat, err
}

// mutate runs one store change under the seat lock. The store calls verify
// right before commit so that a lock lost to TTL expiry rolls the change
// back.
func (s *Service) mutate(ctx context.Context, a *attempt, fn func(context.Context, func(context.Context) error) (*model.Seat, error)) (*model.Seat, error) {
	key := LockKey(a.seatID)
	a.to(StateLockPending)

	var updated *model.Seat
	err := lock.Scoped(ctx, s.locker, key, a.connID, s.ttl, func(ctx context.Context) error {
		a.to(StateLocked)
		check := lock.Verify(s.locker, key, a.connID)
		verify := func(ctx context.Context) error {
			if err := check(ctx); err != nil {
				return fmt.Errorf("%w: %w", errLockCheck, err)
			}
			return nil
		}
		a.to(StateStoreUpdating)
		return s.breakers.Run(DepStore, func() error {
			var err error
			updated, err = fn(ctx, verify)
			return err
		}, isExpected)
	})
	if err != nil && updated != nil {
		// committed; the lock will lapse at its TTL
		s.logger.Warnw("seat lock release failed", "seat", a.seatID, "conn", a.connID, "error", err)
		err = nil
	}
	return updated, err
}

// commit emits the change and builds the success reply. The transaction is
// already durable here, so emission ignores the caller's cancellation.
func (s *Service) commit(ctx context.Context, a *attempt, seat *model.Seat) Result {
	a.to(StateCommitted)
	metrics.Reservations.WithLabelValues(a.op, "success").Inc()

	events := s.changeEvents(seat)
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, ev := range events {
		if err := s.events.Submit(emitCtx, ev); err != nil {
			s.logger.Warnw("change event not queued", "seat", seat.ID, "entity", ev.Entity, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(emitCtx, events); err != nil {
			s.logger.Warnw("change not published to peers", "seat", seat.ID, "error", err)
		}
	}
	return Result{SeatID: seat.ID, OK: true, Seat: seat}
}

// changeEvents describes seat's new state for its seat and floor topics.
func (s *Service) changeEvents(seat *model.Seat) []model.SyncEvent {
	topics := []string{model.SeatTopic(seat.ID)}
	if seat.FloorID != "" {
		topics = append(topics, model.FloorTopic(seat.FloorID))
	}
	events := make([]model.SyncEvent, 0, len(topics))
	for _, topic := range topics {
		ev := model.NewSyncEvent(model.EventStoreChange, topic, seat.ID, model.OpUpdate, seat.Fields())
		ev.Origin = s.origin
		ev.Version = seat.Version
		events = append(events, ev)
	}
	return events
}

// fail maps err to a rejection. Contention outcomes are logged at debug;
// anything else is a dependency failure.
func (s *Service) fail(a *attempt, err error) Result {
	var unavailable *repository.UnavailableError
	switch {
	case errors.As(err, &unavailable):
		// every status other than available is reported as occupied; the
		// status tells reserved and out of service seats apart
		res := s.reject(a, ReasonSeatOccupied, unavailable.Seat.Occupant())
		res.Status = unavailable.Seat.Status
		return res
	case errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, lock.ErrLockLost),
		errors.Is(err, repository.ErrVersionConflict):
		return s.reject(a, ReasonSeatLocked, "")
	case errors.Is(err, repository.ErrNotOccupant):
		return s.reject(a, ReasonPermissionDenied, "")
	case errors.Is(err, repository.ErrSeatNotFound):
		return s.reject(a, ReasonSeatNotFound, "")
	}
	s.logger.Errorw("reservation failed", "op", a.op, "seat", a.seatID, "conn", a.connID, "state", a.state, "error", err)
	return s.reject(a, ReasonServerError, "")
}

func (s *Service) reject(a *attempt, reason Reason, occupant string) Result {
	a.to(StateRejected)
	metrics.Reservations.WithLabelValues(a.op, string(reason)).Inc()
	return Result{SeatID: a.seatID, Reason: reason, OccupantID: occupant}
}

func (s *Service) recoverInto(a *attempt, res *Result) {
	if p := recover(); p != nil {
		*res = s.fail(a, fmt.Errorf("panic: %v", p))
	}
}

// errLockCheck marks errors produced by the pre-commit lock check, so that
// a lock service outage is not counted against the store breaker.
var errLockCheck = errors.New("lock check")

// isExpected reports errors that a healthy store returns under contention.
func isExpected(err error) bool {
	var unavailable *repository.UnavailableError
	return errors.As(err, &unavailable) ||
		errors.Is(err, repository.ErrSeatNotFound) ||
		errors.Is(err, repository.ErrNotOccupant) ||
		errors.Is(err, repository.ErrVersionConflict) ||
		errors.Is(err, errLockCheck)
}

// guardedLocker routes lock calls through the "redis" breaker.
type guardedLocker struct {
	inner    lock.Locker
	breakers *breaker.Set
}

func (g guardedLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.breakers.Run(DepLock, func() error {
		var err error
		ok, err = g.inner.Acquire(ctx, key, holder, ttl)
		return err
	}, nil)
	return ok, err
}

// Release bypasses the breaker: a lock we hold must always be given back.
func (g guardedLocker) Release(ctx context.Context, key, holder string) (bool, error) {
	ok, err := g.inner.Release(ctx, key, holder)
	if b := g.breakers.Get(DepLock); b != nil {
		b.Record(err)
	}
	return ok, err
}

func (g guardedLocker) Held(ctx context.Context, key, holder string) (bool, error) {
	var ok bool
	err := g.breakers.Run(DepLock, func() error {
		var err error
		ok, err = g.inner.Held(ctx, key, holder)
		return err
	}, nil)
	return ok, err
}
