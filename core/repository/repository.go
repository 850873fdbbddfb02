// Package repository declares the persistence contract consumed by the core.
// The core never issues SQL directly; infra/postgres provides the pgx-backed
// implementation and tests use in-memory fakes.
package repository

import (
	"context"

	"github.com/voltgrid/csms/core/model"
)

// ConnectorFilter narrows GetConnectors. Zero values match everything.
type ConnectorFilter struct {
	CPSN    string
	Current *model.CurrentType
}

// ConnectorPatch is a partial connector update. Nil fields are left untouched.
type ConnectorPatch struct {
	Status        *model.ConnectorStatus
	ErrorCode     *string
	TransactionID *int
	LastMeterWh   *float64
	DemandKw      *float64
}

// TransactionPatch is a partial transaction update.
type TransactionPatch struct {
	StopMeterWh *float64
	StopReason  *string
	Status      *model.TransactionStatus
	EnergyFee   *float64
}

// Repository is the external persistence collaborator.
type Repository interface {
	GetConnectors(ctx context.Context, f ConnectorFilter) ([]model.Connector, error)
	UpdateConnector(ctx context.Context, cpsn string, connectorID int, p ConnectorPatch) error
	CreateTransaction(ctx context.Context, tx model.Transaction) error
	UpdateTransaction(ctx context.Context, id int, p TransactionPatch) error
	GetTransaction(ctx context.Context, id int) (*model.Transaction, error)
	GetSiteSetting(ctx context.Context) (model.SiteSetting, error)
}
