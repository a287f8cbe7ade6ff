// Package subscription owns the authoritative lifecycle of every
// subscription: pending → active → grace → revoked, with user-initiated
// cancellation from any non-terminal state. Every transition goes through a
// version-guarded read-decide-write cycle, so concurrent triggers (payment
// webhooks, scheduler sweeps, cancellations) serialize on the row version
// instead of in-process locks.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/database"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/notify"
	"vpnova-bot/internal/provisioning"
)

// transitionRetries bounds the read-decide-write retry loop on version
// conflicts. Conflicts are rare and resolve on re-read.
const transitionRetries = 3

// Enqueuer accepts provisioning tasks. Implemented by the provisioning
// runner; called strictly after the transition wanting the task committed.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *models.ProvisioningTask) error
}

// EventRecorder appends accepted payment events. Implemented by the ledger.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev *models.PaymentEvent) error
}

type Machine struct {
	store    Store
	events   EventRecorder
	tx       database.Transactor
	enqueuer Enqueuer
	notifier notify.Dispatcher
	clock    clock.Clock
	logger   *slog.Logger

	graceWindow time.Duration
}

func NewMachine(store Store, events EventRecorder, tx database.Transactor, enqueuer Enqueuer, notifier notify.Dispatcher, clk clock.Clock, logger *slog.Logger, graceWindow time.Duration) *Machine {
	if graceWindow <= 0 {
		graceWindow = 72 * time.Hour
	}
	return &Machine{
		store:       store,
		events:      events,
		tx:          tx,
		enqueuer:    enqueuer,
		notifier:    notifier,
		clock:       clk,
		logger:      logger,
		graceWindow: graceWindow,
	}
}

// SetEnqueuer breaks the construction cycle with the provisioning runner,
// which needs the machine as its Lifecycle. Called once during wiring.
func (m *Machine) SetEnqueuer(e Enqueuer) {
	m.enqueuer = e
}

// PaymentAccepted records the event and applies the transition it drives in
// one transaction: a first payment creates a pending subscription, a renewal
// extends an active or grace one. The event insert and the state change
// commit together or not at all; the provisioning task is enqueued only
// after commit.
func (m *Machine) PaymentAccepted(ctx context.Context, ev *models.PaymentEvent) (*models.Subscription, error) {
	plan, err := m.store.PlanByID(ctx, ev.PlanID)
	if err != nil {
		return nil, err
	}

	var (
		committed *models.Subscription
		task      *models.ProvisioningTask
	)

	for attempt := 0; ; attempt++ {
		committed, task = nil, nil
		err = m.tx.Transact(ctx, func(ctx context.Context) error {
			sub, err := m.store.NonTerminalByUser(ctx, ev.UserID)
			if errors.Is(err, ErrNotFound) {
				sub = &models.Subscription{
					ID:      uuid.New().String(),
					UserID:  ev.UserID,
					PlanID:  ev.PlanID,
					Status:  models.StatusPending,
					Version: 1,
				}
				// Create goes first: the unique index on live subscriptions
				// rejects a racing insert with ErrConcurrentModification
				// before the event is appended, and the retry re-reads the
				// winner's row.
				if err := m.store.Create(ctx, sub); err != nil {
					return err
				}
				ev.SubscriptionID = sub.ID
				if err := m.events.RecordEvent(ctx, ev); err != nil {
					return err
				}
				expire := m.clock.Now().Add(plan.Duration())
				task = &models.ProvisioningTask{
					ID:             uuid.New().String(),
					SubscriptionID: sub.ID,
					Kind:           models.TaskCreate,
					Status:         models.TaskPending,
					NewExpiresAt:   &expire,
				}
				committed = sub
				return nil
			}
			if err != nil {
				return err
			}

			ev.SubscriptionID = sub.ID

			switch sub.Status {
			case models.StatusPending:
				// Paid again before the create task confirmed. The event is
				// kept for audit; the pending activation proceeds unchanged.
				m.logger.Warn("payment for pending subscription recorded without transition",
					slog.String("subscription_id", sub.ID),
					slog.String("external_id", ev.ExternalID))
				committed = sub
				return m.events.RecordEvent(ctx, ev)

			case models.StatusActive, models.StatusGrace:
				now := m.clock.Now()
				base := now
				if sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
					base = *sub.ExpiresAt
				}
				newExpiry := base.Add(plan.Duration())

				expected := sub.Version
				sub.Status = models.StatusActive
				sub.PlanID = ev.PlanID
				sub.ExpiresAt = &newExpiry
				sub.GraceUntil = nil
				if err := m.store.UpdateGuarded(ctx, sub, expected); err != nil {
					return err
				}

				task = &models.ProvisioningTask{
					ID:             uuid.New().String(),
					SubscriptionID: sub.ID,
					Kind:           models.TaskRenew,
					Status:         models.TaskPending,
					NewExpiresAt:   &newExpiry,
				}
				committed = sub
				// The event is appended only after the guarded write passes,
				// so a rejected attempt retries without tripping the dedupe.
				return m.events.RecordEvent(ctx, ev)

			default:
				return ErrAlreadyTerminal
			}
		})

		if errors.Is(err, ErrConcurrentModification) && attempt < transitionRetries-1 {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if task != nil {
		m.enqueueTask(ctx, task)
	}
	return committed, nil
}

// EnqueueTask re-enqueues a task from the recovery pass.
func (m *Machine) EnqueueTask(ctx context.Context, task *models.ProvisioningTask) error {
	return m.enqueuer.Enqueue(ctx, task)
}

func (m *Machine) enqueueTask(ctx context.Context, task *models.ProvisioningTask) {
	// The transition is already committed. A failed enqueue is recovered by
	// the startup pass that re-scans subscriptions with a missing task.
	if err := m.enqueuer.Enqueue(ctx, task); err != nil {
		m.logger.Error("failed to enqueue provisioning task",
			slog.String("task_id", task.ID),
			slog.String("subscription_id", task.SubscriptionID),
			slog.String("error", err.Error()))
	}
}

// ExpireToGrace moves an active subscription whose expiry has passed into
// the grace window. No-op when another trigger got there first.
func (m *Machine) ExpireToGrace(ctx context.Context, subscriptionID string) (bool, error) {
	now := m.clock.Now()
	graceUntil := now.Add(m.graceWindow)

	sub, applied, err := m.transition(ctx, subscriptionID, func(sub *models.Subscription) bool {
		if sub.Status != models.StatusActive || sub.ExpiresAt == nil || sub.ExpiresAt.After(now) {
			return false
		}
		sub.Status = models.StatusGrace
		sub.GraceUntil = &graceUntil
		return true
	})
	if err != nil || !applied {
		return false, err
	}

	m.notifyUser(ctx, sub.UserID, notify.KindGraceEntered, notify.Payload{GraceUntil: graceUntil})
	return true, nil
}

// RevokeLapsed revokes a grace subscription whose forgiveness window has
// passed, enqueueing the remote revoke after commit.
func (m *Machine) RevokeLapsed(ctx context.Context, subscriptionID string) (bool, error) {
	now := m.clock.Now()

	sub, applied, err := m.transition(ctx, subscriptionID, func(sub *models.Subscription) bool {
		if sub.Status != models.StatusGrace || sub.GraceUntil == nil || sub.GraceUntil.After(now) {
			return false
		}
		sub.Status = models.StatusRevoked
		sub.ExpiresAt = nil
		sub.GraceUntil = nil
		return true
	})
	if err != nil || !applied {
		return false, err
	}

	m.enqueueTask(ctx, &models.ProvisioningTask{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		Kind:           models.TaskRevoke,
		Status:         models.TaskPending,
	})
	m.notifyUser(ctx, sub.UserID, notify.KindRevoked, notify.Payload{})
	return true, nil
}

// Cancel terminates the caller's subscription from any non-terminal state.
func (m *Machine) Cancel(ctx context.Context, telegramID int64) error {
	user, err := m.store.EnsureUser(ctx, telegramID, "")
	if err != nil {
		return err
	}

	sub, err := m.store.NonTerminalByUser(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		hasAny, hasErr := m.store.HasAnyByUser(ctx, user.ID)
		if hasErr != nil {
			return hasErr
		}
		if hasAny {
			return ErrAlreadyTerminal
		}
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	sub, applied, err := m.transition(ctx, sub.ID, func(sub *models.Subscription) bool {
		if sub.Status.Terminal() {
			return false
		}
		sub.Status = models.StatusCancelled
		sub.ExpiresAt = nil
		sub.GraceUntil = nil
		return true
	})
	if err != nil {
		return err
	}
	if !applied {
		return ErrAlreadyTerminal
	}

	m.enqueueTask(ctx, &models.ProvisioningTask{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		Kind:           models.TaskRevoke,
		Status:         models.TaskPending,
	})
	m.notifyUser(ctx, sub.UserID, notify.KindCancelled, notify.Payload{})
	return nil
}

// View is the read model exposed to the command layer and status routes.
type View struct {
	Status          models.SubscriptionStatus
	PlanName        string
	ExpiresAt       *time.Time
	GraceUntil      *time.Time
	SubscriptionURL string
}

// StatusView returns the user's live subscription state.
func (m *Machine) StatusView(ctx context.Context, telegramID int64) (*View, error) {
	user, err := m.store.EnsureUser(ctx, telegramID, "")
	if err != nil {
		return nil, err
	}

	sub, err := m.store.NonTerminalByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	view := &View{
		Status:          sub.Status,
		ExpiresAt:       sub.ExpiresAt,
		GraceUntil:      sub.GraceUntil,
		SubscriptionURL: sub.SubscriptionURL,
	}
	if plan, planErr := m.store.PlanByID(ctx, sub.PlanID); planErr == nil {
		view.PlanName = plan.Name
	}
	return view, nil
}

// SubscriptionPlan loads the context a provisioning task runs with.
func (m *Machine) SubscriptionPlan(ctx context.Context, subscriptionID string) (*models.Subscription, *models.Plan, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	plan, err := m.store.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return sub, plan, nil
}

// ProvisioningSucceeded applies the local consequence of a confirmed remote
// change. Idempotent: a re-run task finds the transition already applied and
// does nothing.
func (m *Machine) ProvisioningSucceeded(ctx context.Context, task *models.ProvisioningTask, res provisioning.Result) error {
	switch task.Kind {
	case models.TaskCreate:
		return m.activate(ctx, task, res)

	case models.TaskRenew:
		sub, err := m.store.GetByID(ctx, task.SubscriptionID)
		if err != nil {
			return err
		}
		payload := notify.Payload{}
		if sub.ExpiresAt != nil {
			payload.ExpiresAt = *sub.ExpiresAt
		}
		m.notifyUser(ctx, sub.UserID, notify.KindRenewed, payload)
		return nil

	case models.TaskRevoke:
		// User already notified when the revoke/cancel transition committed.
		return nil

	default:
		return nil
	}
}

func (m *Machine) activate(ctx context.Context, task *models.ProvisioningTask, res provisioning.Result) error {
	sub, err := m.store.GetByID(ctx, task.SubscriptionID)
	if err != nil {
		return err
	}
	plan, err := m.store.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	expires := now.Add(plan.Duration())

	sub, applied, err := m.transition(ctx, sub.ID, func(sub *models.Subscription) bool {
		if sub.Status != models.StatusPending {
			return false
		}
		sub.Status = models.StatusActive
		sub.ActivatedAt = &now
		sub.ExpiresAt = &expires
		sub.GraceUntil = nil
		sub.RemoteHandle = res.Handle
		sub.SubscriptionURL = res.SubscriptionURL
		return true
	})
	if err != nil || !applied {
		return err
	}

	m.notifyUser(ctx, sub.UserID, notify.KindActivated, notify.Payload{
		PlanName:        plan.Name,
		ExpiresAt:       expires,
		SubscriptionURL: res.SubscriptionURL,
	})
	return nil
}

// ProvisioningFailed handles a terminally failed task. The subscription is
// left in its last-known-good status; for a failed activation the user is
// told access is delayed, not lost.
func (m *Machine) ProvisioningFailed(ctx context.Context, task *models.ProvisioningTask, _ error) error {
	if task.Kind != models.TaskCreate {
		return nil
	}

	sub, err := m.store.GetByID(ctx, task.SubscriptionID)
	if err != nil {
		return err
	}
	m.notifyUser(ctx, sub.UserID, notify.KindActivationDelayed, notify.Payload{})
	return nil
}

// transition runs one version-guarded read-decide-write cycle, retrying on
// version conflicts. decide mutates the row and reports whether a write is
// wanted; a false return is a clean no-op.
func (m *Machine) transition(ctx context.Context, subscriptionID string, decide func(sub *models.Subscription) bool) (*models.Subscription, bool, error) {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		sub, err := m.store.GetByID(ctx, subscriptionID)
		if err != nil {
			return nil, false, err
		}

		expected := sub.Version
		if !decide(sub) {
			return sub, false, nil
		}

		err = m.store.UpdateGuarded(ctx, sub, expected)
		if err == nil {
			return sub, true, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, lastErr
}

func (m *Machine) notifyUser(ctx context.Context, userID uint, kind notify.Kind, payload notify.Payload) {
	telegramID, err := m.store.UserTelegramID(ctx, userID)
	if err != nil {
		m.logger.Warn("failed to resolve user for notification",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("error", err.Error()))
		return
	}
	m.notifier.Notify(ctx, telegramID, kind, payload)
}
