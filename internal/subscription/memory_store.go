package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"vpnova-bot/internal/models"
)

// MemoryStore is the in-memory Store used by tests. The version guard
// behaves exactly like the conditional UPDATE in the gorm store.
type MemoryStore struct {
	mu      sync.Mutex
	subs    map[string]*models.Subscription
	users   map[uint]*models.User
	plans   map[string]*models.Plan
	userSeq uint

	// BeforeGuardedWrite, when set, runs between the read and the guarded
	// write of an UpdateGuarded call. Tests use it to interleave a competing
	// transition.
	BeforeGuardedWrite func(sub *models.Subscription)

	// BeforeCreate, when set, runs once before a Create takes the lock.
	// Tests use it to interleave a competing insert.
	BeforeCreate func(sub *models.Subscription)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[string]*models.Subscription),
		users: make(map[uint]*models.User),
		plans: make(map[string]*models.Plan),
	}
}

func (m *MemoryStore) AddPlan(plan models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = &plan
}

func (m *MemoryStore) AddUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = &user
	if user.ID > m.userSeq {
		m.userSeq = user.ID
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *models.Subscription) error {
	if m.BeforeCreate != nil {
		hook := m.BeforeCreate
		m.BeforeCreate = nil
		hook(sub)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Mirrors the partial unique index: at most one live subscription per
	// user.
	if !sub.Status.Terminal() {
		for _, existing := range m.subs {
			if existing.UserID == sub.UserID && !existing.Status.Terminal() {
				return ErrConcurrentModification
			}
		}
	}

	cp := *sub
	if cp.Version == 0 {
		cp.Version = 1
	}
	cp.CreatedAt = time.Now().UTC()
	m.subs[cp.ID] = &cp
	sub.Version = cp.Version
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) NonTerminalByUser(_ context.Context, userID uint) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.UserID == userID && !sub.Status.Terminal() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) HasAnyByUser(_ context.Context, userID uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpdateGuarded(_ context.Context, sub *models.Subscription, expectedVersion int64) error {
	if m.BeforeGuardedWrite != nil {
		hook := m.BeforeGuardedWrite
		m.BeforeGuardedWrite = nil
		hook(sub)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.subs[sub.ID]
	if !ok || current.Version != expectedVersion {
		return ErrConcurrentModification
	}

	cp := *sub
	cp.Version = expectedVersion + 1
	cp.CreatedAt = current.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.subs[cp.ID] = &cp
	sub.Version = cp.Version
	return nil
}

func (m *MemoryStore) DueForGrace(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return m.filter(limit, func(sub *models.Subscription) bool {
		return sub.Status == models.StatusActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now)
	}), nil
}

func (m *MemoryStore) DueForRevoke(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return m.filter(limit, func(sub *models.Subscription) bool {
		return sub.Status == models.StatusGrace && sub.GraceUntil != nil && !sub.GraceUntil.After(now)
	}), nil
}

func (m *MemoryStore) ExpiringBetween(_ context.Context, from, to time.Time, limit int) ([]models.Subscription, error) {
	return m.filter(limit, func(sub *models.Subscription) bool {
		return sub.Status == models.StatusActive && sub.ExpiresAt != nil &&
			!sub.ExpiresAt.Before(from) && !sub.ExpiresAt.After(to)
	}), nil
}

func (m *MemoryStore) NonTerminal(_ context.Context) ([]models.Subscription, error) {
	return m.filter(0, func(sub *models.Subscription) bool {
		return !sub.Status.Terminal()
	}), nil
}

func (m *MemoryStore) TerminalWithHandle(_ context.Context) ([]models.Subscription, error) {
	return m.filter(0, func(sub *models.Subscription) bool {
		return sub.Status.Terminal() && sub.RemoteHandle != ""
	}), nil
}

func (m *MemoryStore) filter(limit int, match func(*models.Subscription) bool) []models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Subscription
	for _, sub := range m.subs {
		if match(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) EnsureUser(_ context.Context, telegramID int64, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.TelegramID == telegramID {
			cp := *user
			return &cp, nil
		}
	}

	m.userSeq++
	user := &models.User{ID: m.userSeq, TelegramID: telegramID, Username: username}
	m.users[user.ID] = user
	cp := *user
	return &cp, nil
}

func (m *MemoryStore) UserTelegramID(_ context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return user.TelegramID, nil
}

func (m *MemoryStore) PlanByID(_ context.Context, id string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *plan
	return &cp, nil
}
