package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/database"
	"vpnova-bot/internal/ledger"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/notify"
	"vpnova-bot/internal/scheduler"
	"vpnova-bot/internal/subscription"
)

type nullEnqueuer struct{}

func (nullEnqueuer) Enqueue(context.Context, *models.ProvisioningTask) error { return nil }

type sweepFixture struct {
	store    *subscription.MemoryStore
	notifier *notify.Recorder
	clock    *clock.Fake
	machine  *subscription.Machine
	sweeper  *scheduler.Sweeper
	user     *models.User
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store := subscription.NewMemoryStore()
	store.AddPlan(models.Plan{ID: "monthly", Name: "Месяц", DurationDays: 30, PriceAmount: 29900, PriceCurrency: "RUB"})

	machine := subscription.NewMachine(store, ledger.NewMemory(), database.NoopTransactor{}, nullEnqueuer{}, notify.NewRecorder(), clk, logger, 72*time.Hour)

	notifier := notify.NewRecorder()
	sweeper := scheduler.NewSweeper(store, machine, scheduler.NewMemoryFlags(), notifier, clk, logger, time.Minute, 24*time.Hour)

	user, err := store.EnsureUser(context.Background(), 555, "tester")
	require.NoError(t, err)

	return &sweepFixture{store: store, notifier: notifier, clock: clk, machine: machine, sweeper: sweeper, user: user}
}

func (f *sweepFixture) addActive(t *testing.T, id string, expiresAt time.Time) {
	t.Helper()

	now := f.clock.Now()
	sub := &models.Subscription{
		ID:          id,
		UserID:      f.user.ID,
		PlanID:      "monthly",
		Status:      models.StatusActive,
		ActivatedAt: &now,
		ExpiresAt:   &expiresAt,
	}
	require.NoError(t, f.store.Create(context.Background(), sub))
}

func TestSweeper_ExpiredMovesToGrace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSweepFixture(t)
	f.addActive(t, "sub-1", f.clock.Now().Add(-time.Hour))
	f.addActive(t, "sub-2", f.clock.Now().Add(48*time.Hour))

	f.sweeper.Sweep(ctx)

	expired, err := f.store.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusGrace, expired.Status)
	require.NotNil(t, expired.GraceUntil)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *expired.GraceUntil)

	live, err := f.store.GetByID(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, live.Status)
}

func TestSweeper_LapsedGraceIsRevoked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSweepFixture(t)
	f.addActive(t, "sub-1", f.clock.Now().Add(-time.Hour))

	f.sweeper.Sweep(ctx)
	f.clock.Advance(73 * time.Hour)
	f.sweeper.Sweep(ctx)

	got, err := f.store.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, got.Status)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.GraceUntil)
}

func TestSweeper_ZeroEligibleIsQuiet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSweepFixture(t)
	f.addActive(t, "sub-1", f.clock.Now().Add(20*24*time.Hour))

	f.sweeper.Sweep(ctx)

	got, err := f.store.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Empty(t, f.notifier.Sent())
}

func TestSweeper_ExpiryNoticeSentOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSweepFixture(t)
	f.addActive(t, "sub-1", f.clock.Now().Add(12*time.Hour))

	f.sweeper.Sweep(ctx)
	require.Len(t, f.notifier.ByKind(notify.KindExpiringSoon), 1)

	// Later sweeps within the window stay silent.
	f.clock.Advance(time.Hour)
	f.sweeper.Sweep(ctx)
	assert.Len(t, f.notifier.ByKind(notify.KindExpiringSoon), 1)
}

func TestSweeper_RenewalRearmsExpiryNotice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSweepFixture(t)
	f.addActive(t, "sub-1", f.clock.Now().Add(12*time.Hour))

	f.sweeper.Sweep(ctx)
	require.Len(t, f.notifier.ByKind(notify.KindExpiringSoon), 1)

	// A renewal moves the expiry; the next approach warns again.
	sub, err := f.store.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	newExpiry := f.clock.Now().Add(18 * time.Hour)
	sub.ExpiresAt = &newExpiry
	require.NoError(t, f.store.UpdateGuarded(ctx, sub, sub.Version))

	f.sweeper.Sweep(ctx)
	assert.Len(t, f.notifier.ByKind(notify.KindExpiringSoon), 2)
}
