package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vpnova-bot/internal/database"
	"vpnova-bot/internal/models"
)

// Store is the persistence surface for subscriptions plus the user and plan
// lookups the lifecycle needs. The user→subscription direction is always a
// query, never a stored back-pointer.
type Store interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)

	// NonTerminalByUser returns the user's live subscription. At most one
	// exists at a time; ErrNotFound when there is none.
	NonTerminalByUser(ctx context.Context, userID uint) (*models.Subscription, error)
	HasAnyByUser(ctx context.Context, userID uint) (bool, error)

	// UpdateGuarded writes sub's lifecycle fields conditioned on the row
	// still carrying expectedVersion, bumping the version on success.
	// Returns ErrConcurrentModification when the guard rejects the write.
	UpdateGuarded(ctx context.Context, sub *models.Subscription, expectedVersion int64) error

	// Sweep queries. Rows are returned oldest-deadline first.
	DueForGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	DueForRevoke(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error)
	NonTerminal(ctx context.Context) ([]models.Subscription, error)
	TerminalWithHandle(ctx context.Context) ([]models.Subscription, error)

	EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
	UserTelegramID(ctx context.Context, userID uint) (int64, error)
	PlanByID(ctx context.Context, id string) (*models.Plan, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, sub *models.Subscription) error {
	err := database.FromContext(ctx, s.db).Create(sub).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The partial unique index rejected a second live subscription for
		// the user: a concurrent payment won the insert. Surface it as a
		// guard conflict so the caller re-reads and lands on the winner.
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *gormStore) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := database.FromContext(ctx, s.db).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

func (s *gormStore) NonTerminalByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("user_id = ? AND status IN ?", userID, []models.SubscriptionStatus{
			models.StatusPending, models.StatusActive, models.StatusGrace,
		}).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active subscription: %w", err)
	}
	return &sub, nil
}

func (s *gormStore) HasAnyByUser(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := database.FromContext(ctx, s.db).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count > 0, nil
}

func (s *gormStore) UpdateGuarded(ctx context.Context, sub *models.Subscription, expectedVersion int64) error {
	res := database.FromContext(ctx, s.db).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, expectedVersion).
		Updates(map[string]any{
			"plan_id":          sub.PlanID,
			"status":           sub.Status,
			"remote_handle":    sub.RemoteHandle,
			"subscription_url": sub.SubscriptionURL,
			"activated_at":     sub.ActivatedAt,
			"expires_at":       sub.ExpiresAt,
			"grace_until":      sub.GraceUntil,
			"version":          expectedVersion + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	sub.Version = expectedVersion + 1
	return nil
}

func (s *gormStore) DueForGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("status = ? AND expires_at <= ?", models.StatusActive, now).
		Order("expires_at").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) DueForRevoke(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("status = ? AND grace_until <= ?", models.StatusGrace, now).
		Order("grace_until").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) ExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("status = ? AND expires_at BETWEEN ? AND ?", models.StatusActive, from, to).
		Order("expires_at").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) NonTerminal(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("status IN ?", []models.SubscriptionStatus{
			models.StatusPending, models.StatusActive, models.StatusGrace,
		}).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) TerminalWithHandle(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := database.FromContext(ctx, s.db).
		Where("status IN ? AND remote_handle <> ''", []models.SubscriptionStatus{
			models.StatusRevoked, models.StatusCancelled,
		}).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	var user models.User
	err := database.FromContext(ctx, s.db).
		Where(models.User{TelegramID: telegramID}).
		Attrs(models.User{Username: username}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find or create user: %w", err)
	}
	return &user, nil
}

func (s *gormStore) UserTelegramID(ctx context.Context, userID uint) (int64, error) {
	var user models.User
	err := database.FromContext(ctx, s.db).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	return user.TelegramID, nil
}

func (s *gormStore) PlanByID(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	err := database.FromContext(ctx, s.db).Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}
