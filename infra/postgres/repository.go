// Package postgres implements the repository contract on pgx. The schema is
// owned by the admin service; this side only reads inventory and writes
// transaction and snapshot rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/repository"
)

// Config holds the connection settings.
type Config struct {
	DSN string `json:"dsn"`
}

// Repo is the pgx-backed repository.
type Repo struct {
	db *pgxpool.Pool
}

// Connect opens the pool and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Repo, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Repo{db: pool}, nil
}

// NewRepo wraps an existing pool.
func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{db: db} }

// Close releases the pool.
func (r *Repo) Close() { r.db.Close() }

// GetConnectors returns the connector inventory matching the filter.
func (r *Repo) GetConnectors(ctx context.Context, f repository.ConnectorFilter) ([]model.Connector, error) {
	q := `
		select cpsn, cpid, connector_id, acdc, max_kw, status, coalesce(error_code,''),
		       coalesce(current_transaction_id,0), coalesce(last_meter_wh,0), coalesce(demand_kw,0)
		from connectors`
	var (
		conds []string
		args  []any
	)
	if f.CPSN != "" {
		args = append(args, f.CPSN)
		conds = append(conds, fmt.Sprintf("cpsn=$%d", len(args)))
	}
	if f.Current != nil {
		args = append(args, f.Current.String())
		conds = append(conds, fmt.Sprintf("acdc=$%d", len(args)))
	}
	if len(conds) > 0 {
		q += " where " + strings.Join(conds, " and ")
	}
	q += " order by cpsn, connector_id"

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Connector
	for rows.Next() {
		var (
			c            model.Connector
			acdc, status string
		)
		if err := rows.Scan(&c.CPSN, &c.CPID, &c.ConnectorID, &acdc, &c.MaxKw, &status,
			&c.ErrorCode, &c.CurrentTransactionID, &c.LastMeterWh, &c.DemandKw); err != nil {
			return nil, err
		}
		if c.Current, err = model.ParseCurrentType(acdc); err != nil {
			return nil, err
		}
		if c.Status, err = model.ParseConnectorStatus(status); err != nil {
			// Stored status strings predate the enum; map unknowns to
			// Unavailable rather than failing the whole inventory read.
			c.Status = model.StatusUnavailable
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnector applies a partial update; nil fields are untouched.
func (r *Repo) UpdateConnector(ctx context.Context, cpsn string, connectorID int, p repository.ConnectorPatch) error {
	sets := []string{"updated_at=now()"}
	args := []any{cpsn, connectorID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.Status != nil {
		add("status", p.Status.String())
	}
	if p.ErrorCode != nil {
		add("error_code", *p.ErrorCode)
	}
	if p.TransactionID != nil {
		add("current_transaction_id", *p.TransactionID)
	}
	if p.LastMeterWh != nil {
		add("last_meter_wh", *p.LastMeterWh)
	}
	if p.DemandKw != nil {
		add("demand_kw", *p.DemandKw)
	}
	q := fmt.Sprintf("update connectors set %s where cpsn=$1 and connector_id=$2", strings.Join(sets, ", "))
	_, err := r.db.Exec(ctx, q, args...)
	return err
}

// CreateTransaction inserts a new transaction row.
func (r *Repo) CreateTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := r.db.Exec(ctx, `
		insert into transactions (transaction_id, cpsn, cpid, connector_id, id_tag, meter_start_wh, time_start, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (transaction_id) do nothing
	`, tx.ID, tx.CPSN, tx.CPID, tx.ConnectorID, tx.IDTag, tx.StartMeterWh, tx.StartTime, tx.Status.String())
	return err
}

// UpdateTransaction applies a partial update to a transaction.
func (r *Repo) UpdateTransaction(ctx context.Context, id int, p repository.TransactionPatch) error {
	sets := []string{"updated_at=now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.StopMeterWh != nil {
		add("meter_stop_wh", *p.StopMeterWh)
		add("time_stop", time.Now())
	}
	if p.StopReason != nil {
		add("stop_reason", *p.StopReason)
	}
	if p.Status != nil {
		add("status", p.Status.String())
	}
	if p.EnergyFee != nil {
		add("energy_fee", *p.EnergyFee)
	}
	q := fmt.Sprintf("update transactions set %s where transaction_id=$1", strings.Join(sets, ", "))
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d not found", id)
	}
	return nil
}

// GetTransaction loads one transaction; nil when absent.
func (r *Repo) GetTransaction(ctx context.Context, id int) (*model.Transaction, error) {
	row := r.db.QueryRow(ctx, `
		select transaction_id, cpsn, cpid, connector_id, id_tag, meter_start_wh,
		       meter_stop_wh, time_start, time_stop, coalesce(stop_reason,''), status
		from transactions where transaction_id=$1
	`, id)
	var (
		tx     model.Transaction
		status string
	)
	if err := row.Scan(&tx.ID, &tx.CPSN, &tx.CPID, &tx.ConnectorID, &tx.IDTag, &tx.StartMeterWh,
		&tx.StopMeterWh, &tx.StartTime, &tx.StopTime, &tx.StopReason, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	switch status {
	case "COMPLETED":
		tx.Status = model.TxCompleted
	case "STOPPED":
		tx.Status = model.TxStopped
	case "ERROR":
		tx.Status = model.TxError
	case "CANCELLED":
		tx.Status = model.TxCancelled
	default:
		tx.Status = model.TxActive
	}
	return &tx, nil
}

// GetSiteSetting loads the single site configuration row.
func (r *Repo) GetSiteSetting(ctx context.Context) (model.SiteSetting, error) {
	row := r.db.QueryRow(ctx, `select ems_mode, max_power_kw from site_settings limit 1`)
	var (
		s    model.SiteSetting
		mode string
	)
	if err := row.Scan(&mode, &s.MaxPowerKw); err != nil {
		return model.SiteSetting{}, err
	}
	m, err := model.ParseEMSMode(mode)
	if err != nil {
		return model.SiteSetting{}, err
	}
	s.EMSMode = m
	return s, nil
}

// GetTariff loads the active tariff used by billing finalization.
func (r *Repo) GetTariff(ctx context.Context) (pricePerKwh, discountPct float64, currency string, err error) {
	row := r.db.QueryRow(ctx, `select price_per_kwh, coalesce(discount_pct,0), coalesce(currency,'EUR') from tariffs where active limit 1`)
	err = row.Scan(&pricePerKwh, &discountPct, &currency)
	return
}
