package database

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Transactor runs a function within a single durable transaction. Stores
// participate by resolving their handle through FromContext, so a payment
// event insert and the subscription transition it drives commit or roll back
// together.
type Transactor interface {
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

func (t *gormTransactor) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// FromContext returns the transaction handle carried by ctx, or fallback when
// the caller is not inside a Transact block.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return fallback.WithContext(ctx)
}

// NoopTransactor runs the function directly; used with in-memory stores in
// tests.
type NoopTransactor struct{}

func (NoopTransactor) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
