// internal/storage/postgres.go
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
)

//go:embed schema.sql
var schemaSQL string

type PostgresConfig struct {
	URL               string
	MinConns          int32
	MaxConns          int32
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration
	// Timescale turns the readings table into a hypertable when the
	// extension is available.
	Timescale bool
}

// PostgresStore persists every entity in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	closeOnce sync.Once
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, pings and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "postgres")

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid postgres url: %w", err)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, apperr.Persistence("storage.NewPostgresStore", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, apperr.Persistence("storage.NewPostgresStore", fmt.Errorf("ping: %w", err))
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx, cfg.Timescale); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres pool ready",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns)
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, timescale bool) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return apperr.Persistence("storage.migrate", err)
	}
	if !timescale {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		s.logger.Warn("timescaledb extension unavailable, readings stay a plain table", "error", err)
		return nil
	}
	if _, err := s.pool.Exec(ctx, `SELECT create_hypertable('readings', 'ts', if_not_exists => TRUE, migrate_data => TRUE)`); err != nil {
		s.logger.Warn("could not create readings hypertable", "error", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return apperr.Persistence("storage.Ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() {
	s.closeOnce.Do(s.pool.Close)
}

// filter accumulates WHERE conditions with positional arguments.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) arg(v any) string {
	f.args = append(f.args, v)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *filter) where(cond string) {
	f.conds = append(f.conds, cond)
}

func (f *filter) clause() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func (f *filter) limit(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + f.arg(n)
}

func (f *filter) machine(id string) {
	if id != "" {
		f.where("machine_id = " + f.arg(id))
	}
}

func (f *filter) within(column string, q Query) {
	if !q.From.IsZero() {
		f.where(column + " >= " + f.arg(q.From))
	}
	if !q.To.IsZero() {
		f.where(column + " <= " + f.arg(q.To))
	}
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFoundOr(err error, op, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, entity, id)
	}
	return apperr.Persistence(op, err)
}

// --- machines ---

const machineColumns = `id, name, description, status, created_at, updated_at`

func scanMachine(row pgx.Row) (data.Machine, error) {
	var m data.Machine
	err := row.Scan(&m.ID, &m.Name, &m.Description, (*string)(&m.Status), &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (data.Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id))
	if err != nil {
		return data.Machine{}, notFoundOr(err, "storage.GetMachine", "machine", id)
	}
	return m, nil
}

func (s *PostgresStore) SaveMachine(ctx context.Context, m data.Machine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (`+machineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.Name, m.Description, string(m.Status), m.CreatedAt, m.UpdatedAt)
	return apperr.Persistence("storage.SaveMachine", err)
}

func (s *PostgresStore) ListMachines(ctx context.Context) ([]data.Machine, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY updated_at DESC`)
	if err != nil {
		return nil, apperr.Persistence("storage.ListMachines", err)
	}
	out, err := collect(rows, scanMachine)
	return out, apperr.Persistence("storage.ListMachines", err)
}

// --- readings ---

const readingColumns = `id, machine_id, temperature, pressure, status, ts, ingested_at, source`

func scanReading(row pgx.Row) (data.Reading, error) {
	var r data.Reading
	err := row.Scan(&r.ID, &r.MachineID, &r.Temperature, &r.Pressure, (*string)(&r.Status), &r.Timestamp, &r.IngestedAt, &r.Source)
	return r, err
}

func (s *PostgresStore) AddReading(ctx context.Context, r data.Reading) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO readings (`+readingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.MachineID, r.Temperature, r.Pressure, string(r.Status), r.Timestamp, r.IngestedAt, r.Source)
	return apperr.Persistence("storage.AddReading", err)
}

func (s *PostgresStore) ListReadings(ctx context.Context, q Query) ([]data.Reading, error) {
	var f filter
	f.machine(q.MachineID)
	f.within("ts", q)
	sql := `SELECT ` + readingColumns + ` FROM readings` + f.clause() + ` ORDER BY ts DESC` + f.limit(q.Limit)
	rows, err := s.pool.Query(ctx, sql, f.args...)
	if err != nil {
		return nil, apperr.Persistence("storage.ListReadings", err)
	}
	out, err := collect(rows, scanReading)
	return out, apperr.Persistence("storage.ListReadings", err)
}

// --- alerts ---

const alertColumns = `id, machine_id, type, severity, message, temperature, pressure, resolved, created_at, resolved_at`

func scanAlert(row pgx.Row) (data.Alert, error) {
	var a data.Alert
	err := row.Scan(&a.ID, &a.MachineID, (*string)(&a.Type), (*string)(&a.Severity), &a.Message,
		&a.Temperature, &a.Pressure, &a.Resolved, &a.CreatedAt, &a.ResolvedAt)
	return a, err
}

func (s *PostgresStore) AddAlert(ctx context.Context, a data.Alert) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.MachineID, string(a.Type), string(a.Severity), a.Message,
		a.Temperature, a.Pressure, a.Resolved, a.CreatedAt, a.ResolvedAt)
	return apperr.Persistence("storage.AddAlert", err)
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (data.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return data.Alert{}, notFoundOr(err, "storage.GetAlert", "alert", id)
	}
	return a, nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a data.Alert) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET resolved = $2, resolved_at = $3, message = $4 WHERE id = $1`,
		a.ID, a.Resolved, a.ResolvedAt, a.Message)
	if err != nil {
		return apperr.Persistence("storage.SaveAlert", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("storage.SaveAlert", "alert", a.ID)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, q AlertQuery) ([]data.Alert, error) {
	var f filter
	f.machine(q.MachineID)
	if q.Resolved != nil {
		f.where("resolved = " + f.arg(*q.Resolved))
	}
	sql := `SELECT ` + alertColumns + ` FROM alerts` + f.clause() + ` ORDER BY created_at DESC` + f.limit(q.Limit)
	rows, err := s.pool.Query(ctx, sql, f.args...)
	if err != nil {
		return nil, apperr.Persistence("storage.ListAlerts", err)
	}
	out, err := collect(rows, scanAlert)
	return out, apperr.Persistence("storage.ListAlerts", err)
}

// --- production runs ---

const runColumns = `id, machine_id, start_time, end_time, planned_production, actual_production,
	good_parts, defective_parts, planned_time, operating_time, downtime,
	availability, performance, quality, oee, status, created_at, updated_at`

func scanRun(row pgx.Row) (data.ProductionRun, error) {
	var r data.ProductionRun
	err := row.Scan(&r.ID, &r.MachineID, &r.StartTime, &r.EndTime, &r.PlannedProduction, &r.ActualProduction,
		&r.GoodParts, &r.DefectiveParts, &r.PlannedTime, &r.OperatingTime, &r.Downtime,
		&r.Availability, &r.Performance, &r.Quality, &r.OEE, (*string)(&r.Status), &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) SaveProductionRun(ctx context.Context, r data.ProductionRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO production_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			planned_production = EXCLUDED.planned_production,
			actual_production = EXCLUDED.actual_production,
			good_parts = EXCLUDED.good_parts,
			defective_parts = EXCLUDED.defective_parts,
			planned_time = EXCLUDED.planned_time,
			operating_time = EXCLUDED.operating_time,
			downtime = EXCLUDED.downtime,
			availability = EXCLUDED.availability,
			performance = EXCLUDED.performance,
			quality = EXCLUDED.quality,
			oee = EXCLUDED.oee,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.MachineID, r.StartTime, r.EndTime, r.PlannedProduction, r.ActualProduction,
		r.GoodParts, r.DefectiveParts, r.PlannedTime, r.OperatingTime, r.Downtime,
		r.Availability, r.Performance, r.Quality, r.OEE, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return apperr.Persistence("storage.SaveProductionRun", err)
}

func (s *PostgresStore) FindRunningRun(ctx context.Context, machineID string) (data.ProductionRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM production_runs WHERE machine_id = $1 AND status = 'RUNNING' ORDER BY start_time DESC LIMIT 1`,
		machineID))
	if err != nil {
		return data.ProductionRun{}, notFoundOr(err, "storage.FindRunningRun", "running production run for machine", machineID)
	}
	return r, nil
}

func (s *PostgresStore) ListProductionRuns(ctx context.Context, q Query) ([]data.ProductionRun, error) {
	var f filter
	f.machine(q.MachineID)
	if q.windowed() {
		from, to := q.bounds()
		f.where(fmt.Sprintf("start_time <= %s AND (end_time >= %s OR (end_time IS NULL AND status = 'RUNNING'))",
			f.arg(to), f.arg(from)))
	}
	sql := `SELECT ` + runColumns + ` FROM production_runs` + f.clause() + ` ORDER BY start_time DESC` + f.limit(q.Limit)
	rows, err := s.pool.Query(ctx, sql, f.args...)
	if err != nil {
		return nil, apperr.Persistence("storage.ListProductionRuns", err)
	}
	out, err := collect(rows, scanRun)
	return out, apperr.Persistence("storage.ListProductionRuns", err)
}

func (s *PostgresStore) DeleteProductionRuns(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM production_runs WHERE machine_id = $1`, machineID)
	return apperr.Persistence("storage.DeleteProductionRuns", err)
}

// --- downtime ---

const downtimeColumns = `id, machine_id, start_time, end_time, duration, category, reason, description,
	status, automatic, created_at, updated_at`

func scanDowntime(row pgx.Row) (data.DowntimeEvent, error) {
	var d data.DowntimeEvent
	err := row.Scan(&d.ID, &d.MachineID, &d.StartTime, &d.EndTime, &d.Duration, &d.Category, &d.Reason, &d.Description,
		(*string)(&d.Status), &d.Automatic, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *PostgresStore) SaveDowntimeEvent(ctx context.Context, d data.DowntimeEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO downtime_events (`+downtimeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			duration = EXCLUDED.duration,
			category = EXCLUDED.category,
			reason = EXCLUDED.reason,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.MachineID, d.StartTime, d.EndTime, d.Duration, d.Category, d.Reason, d.Description,
		string(d.Status), d.Automatic, d.CreatedAt, d.UpdatedAt)
	return apperr.Persistence("storage.SaveDowntimeEvent", err)
}

func (s *PostgresStore) GetDowntimeEvent(ctx context.Context, id string) (data.DowntimeEvent, error) {
	d, err := scanDowntime(s.pool.QueryRow(ctx, `SELECT `+downtimeColumns+` FROM downtime_events WHERE id = $1`, id))
	if err != nil {
		return data.DowntimeEvent{}, notFoundOr(err, "storage.GetDowntimeEvent", "downtime event", id)
	}
	return d, nil
}

func (s *PostgresStore) ListDowntimeEvents(ctx context.Context, q DowntimeQuery) ([]data.DowntimeEvent, error) {
	var f filter
	f.machine(q.MachineID)
	if q.Status != "" {
		f.where("status = " + f.arg(string(q.Status)))
	}
	if q.windowed() {
		if q.StartedWithin {
			f.within("start_time", q.Query)
		} else {
			from, to := q.bounds()
			f.where(fmt.Sprintf("start_time <= %s AND (end_time >= %s OR (end_time IS NULL AND status = 'ACTIVE'))",
				f.arg(to), f.arg(from)))
		}
	}
	sql := `SELECT ` + downtimeColumns + ` FROM downtime_events` + f.clause() + ` ORDER BY start_time DESC` + f.limit(q.Limit)
	rows, err := s.pool.Query(ctx, sql, f.args...)
	if err != nil {
		return nil, apperr.Persistence("storage.ListDowntimeEvents", err)
	}
	out, err := collect(rows, scanDowntime)
	return out, apperr.Persistence("storage.ListDowntimeEvents", err)
}

func (s *PostgresStore) DeleteDowntimeEvents(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM downtime_events WHERE machine_id = $1`, machineID)
	return apperr.Persistence("storage.DeleteDowntimeEvents", err)
}

// --- quality defects ---

const defectColumns = `id, machine_id, ts, defect_type, description, quantity, created_at`

func scanDefect(row pgx.Row) (data.QualityDefect, error) {
	var d data.QualityDefect
	err := row.Scan(&d.ID, &d.MachineID, &d.Timestamp, &d.DefectType, &d.Description, &d.Quantity, &d.CreatedAt)
	return d, err
}

func (s *PostgresStore) AddDefect(ctx context.Context, d data.QualityDefect) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO quality_defects (`+defectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.MachineID, d.Timestamp, d.DefectType, d.Description, d.Quantity, d.CreatedAt)
	return apperr.Persistence("storage.AddDefect", err)
}

func (s *PostgresStore) ListDefects(ctx context.Context, q Query) ([]data.QualityDefect, error) {
	var f filter
	f.machine(q.MachineID)
	f.within("ts", q)
	sql := `SELECT ` + defectColumns + ` FROM quality_defects` + f.clause() + ` ORDER BY ts DESC` + f.limit(q.Limit)
	rows, err := s.pool.Query(ctx, sql, f.args...)
	if err != nil {
		return nil, apperr.Persistence("storage.ListDefects", err)
	}
	out, err := collect(rows, scanDefect)
	return out, apperr.Persistence("storage.ListDefects", err)
}

func (s *PostgresStore) DeleteDefects(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM quality_defects WHERE machine_id = $1`, machineID)
	return apperr.Persistence("storage.DeleteDefects", err)
}

// --- device endpoints ---

const endpointColumns = `id, name, machine_id, transport, host, port, serial_port, baud_rate, data_bits,
	stop_bits, parity, unit_id, start_address, quantity, enabled, created_at, updated_at`

func scanEndpoint(row pgx.Row) (data.DeviceEndpoint, error) {
	var e data.DeviceEndpoint
	err := row.Scan(&e.ID, &e.Name, &e.MachineID, (*string)(&e.Transport), &e.Host, &e.Port, &e.SerialPort,
		&e.BaudRate, &e.DataBits, &e.StopBits, &e.Parity, &e.UnitID, &e.StartAddress, &e.Quantity,
		&e.Enabled, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *PostgresStore) SaveEndpoint(ctx context.Context, e data.DeviceEndpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			machine_id = EXCLUDED.machine_id,
			transport = EXCLUDED.transport,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			serial_port = EXCLUDED.serial_port,
			baud_rate = EXCLUDED.baud_rate,
			data_bits = EXCLUDED.data_bits,
			stop_bits = EXCLUDED.stop_bits,
			parity = EXCLUDED.parity,
			unit_id = EXCLUDED.unit_id,
			start_address = EXCLUDED.start_address,
			quantity = EXCLUDED.quantity,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.Name, e.MachineID, string(e.Transport), e.Host, e.Port, e.SerialPort, e.BaudRate, e.DataBits,
		e.StopBits, e.Parity, e.UnitID, e.StartAddress, e.Quantity, e.Enabled, e.CreatedAt, e.UpdatedAt)
	return apperr.Persistence("storage.SaveEndpoint", err)
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (data.DeviceEndpoint, error) {
	e, err := scanEndpoint(s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM device_endpoints WHERE id = $1`, id))
	if err != nil {
		return data.DeviceEndpoint{}, notFoundOr(err, "storage.GetEndpoint", "device endpoint", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEndpoints(ctx context.Context, enabledOnly bool) ([]data.DeviceEndpoint, error) {
	sql := `SELECT ` + endpointColumns + ` FROM device_endpoints`
	if enabledOnly {
		sql += ` WHERE enabled`
	}
	rows, err := s.pool.Query(ctx, sql+` ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Persistence("storage.ListEndpoints", err)
	}
	out, err := collect(rows, scanEndpoint)
	return out, apperr.Persistence("storage.ListEndpoints", err)
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM device_endpoints WHERE id = $1`, id)
	if err != nil {
		return apperr.Persistence("storage.DeleteEndpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("storage.DeleteEndpoint", "device endpoint", id)
	}
	return nil
}
