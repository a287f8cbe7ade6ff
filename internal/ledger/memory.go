package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"vpnova-bot/internal/models"
)

// Memory is an in-memory ledger used by tests.
type Memory struct {
	mu     sync.Mutex
	events map[string]models.PaymentEvent
	tasks  map[string]*models.ProvisioningTask
	seq    uint
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]models.PaymentEvent),
		tasks:  make(map[string]*models.ProvisioningTask),
	}
}

func (m *Memory) RecordEvent(_ context.Context, ev *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.ExternalID]; ok {
		return ErrDuplicateEvent
	}
	m.seq++
	ev.ID = m.seq
	ev.CreatedAt = time.Now().UTC()
	m.events[ev.ExternalID] = *ev
	return nil
}

func (m *Memory) EventExists(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[externalID]
	return ok, nil
}

func (m *Memory) Events() []models.PaymentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PaymentEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	return out
}

func (m *Memory) CreateTask(_ context.Context, task *models.ProvisioningTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *task
	if cp.Status == "" {
		cp.Status = models.TaskPending
	}
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	m.tasks[cp.ID] = &cp
	return nil
}

func (m *Memory) PendingTasks(_ context.Context, limit int) ([]models.ProvisioningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ProvisioningTask
	for _, t := range m.tasks {
		if t.Status == models.TaskPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordAttempt(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		t.Attempts = attempts
		t.LastError = lastError
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) MarkTaskSucceeded(_ context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		t.Status = models.TaskSucceeded
		t.Attempts = attempts
		t.LastError = ""
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) MarkTaskFailed(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		t.Status = models.TaskFailedTerminal
		t.Attempts = attempts
		t.LastError = lastError
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) TasksForSubscription(_ context.Context, subscriptionID string) ([]models.ProvisioningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ProvisioningTask
	for _, t := range m.tasks {
		if t.SubscriptionID == subscriptionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) StaleTasks(_ context.Context, cutoff time.Time) ([]models.ProvisioningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ProvisioningTask
	for _, t := range m.tasks {
		if t.Status == models.TaskPending && t.UpdatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Task returns a copy of one task for assertions.
func (m *Memory) Task(id string) (models.ProvisioningTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ProvisioningTask{}, false
	}
	return *t, true
}
