// Package provisioning executes durable ProvisioningTasks against the remote
// VPN panel with bounded retry, exponential backoff and a circuit breaker.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpnova-bot/internal/models"
	"vpnova-bot/internal/panel"
)

// PanelAPI is the slice of the panel client the adapter needs.
type PanelAPI interface {
	CreateUser(ctx context.Context, req panel.CreateUserRequest, idemKey string) (*panel.UserResponse, error)
	UserByTag(ctx context.Context, tag string) (*panel.UserResponse, error)
	UpdateExpiry(ctx context.Context, handle string, expireAt time.Time) error
	DisableUser(ctx context.Context, handle string) error
}

// Result is what a successful create yields.
type Result struct {
	Handle          string
	SubscriptionURL string
}

// Adapter wraps the panel behind the create/renew/revoke/query contract.
// Every operation is idempotent from the caller's perspective: Create probes
// for an account tagged with the subscription id before creating one, and
// supplies the task id as the panel idempotency key.
type Adapter struct {
	api     PanelAPI
	squadID string
}

func NewAdapter(api PanelAPI, squadID string) *Adapter {
	return &Adapter{api: api, squadID: squadID}
}

// Create provisions a panel account for the subscription, or adopts the one
// a previous interrupted attempt already created.
func (a *Adapter) Create(ctx context.Context, taskID string, sub *models.Subscription, plan *models.Plan, expireAt time.Time) (*Result, error) {
	existing, err := a.api.UserByTag(ctx, sub.ID)
	if err == nil {
		return &Result{Handle: existing.UUID, SubscriptionURL: existing.SubscriptionURL}, nil
	}
	if !errors.Is(err, panel.ErrNotFound) {
		return nil, fmt.Errorf("probe by tag: %w", err)
	}

	created, err := a.api.CreateUser(ctx, panel.CreateUserRequest{
		Username:             fmt.Sprintf("user_%d", sub.UserID),
		Status:               "ACTIVE",
		TrafficLimitBytes:    plan.TrafficLimitBytes,
		TrafficLimitStrategy: "MONTH",
		ExpireAt:             expireAt.UTC().Format(time.RFC3339),
		Tag:                  sub.ID,
		ActiveInternalSquads: []string{a.squadID},
	}, taskID)
	if err != nil {
		return nil, err
	}

	return &Result{Handle: created.UUID, SubscriptionURL: created.SubscriptionURL}, nil
}

// Renew moves the remote account expiry to newExpiry.
func (a *Adapter) Renew(ctx context.Context, handle string, newExpiry time.Time) error {
	return a.api.UpdateExpiry(ctx, handle, newExpiry)
}

// Revoke disables the remote account.
func (a *Adapter) Revoke(ctx context.Context, handle string) error {
	return a.api.DisableUser(ctx, handle)
}

// Query returns the remote account state for a subscription id, if any.
func (a *Adapter) Query(ctx context.Context, subscriptionID string) (*panel.UserResponse, error) {
	return a.api.UserByTag(ctx, subscriptionID)
}
