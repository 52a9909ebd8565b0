// Package repository persists alerts and answers licence lookups.
package repository

import (
	"context"

	"github.com/okian/iuuwatch/internal/domain/model"
)

// AlertStore is the append-only alert table.
type AlertStore interface {
	// Insert stores a new alert and returns its id. Inserting an alert whose
	// (vessel, timestamp) already exists returns the existing id with
	// created=false. Failures are *model.SinkError.
	Insert(ctx context.Context, a model.Alert) (id int64, created bool, err error)

	// After returns up to limit alerts with id > cursor in ascending id order.
	After(ctx context.Context, cursor int64, limit int) ([]model.Alert, error)

	// Count returns the number of stored alerts.
	Count(ctx context.Context) (int64, error)
}

// LicenceRegistry answers whether a vessel is exempt from alerting.
type LicenceRegistry interface {
	IsExempt(ctx context.Context, vesselID string) (bool, error)
}
