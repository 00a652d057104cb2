package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"relicwatch/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// insertChunkSize bounds rows per INSERT statement (9 params each, well under
// the 65535 parameter limit).
const insertChunkSize = 500

const alertColumns = `id, alert_type, severity, message, sensor_id, sensor_type,
	location_id, relics_id, value, unit, threshold, status, created_at, updated_at, resolved_at`

// PostgresStore persists readings, alerts and aggregation buckets in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens and pings a connection pool for dsn.
func NewPostgresStore(dsn string, maxConns int, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreFromDB(db, logger), nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveBatch inserts readings in chunks. Chunks are independent statements, so
// on failure the returned count is what was written before the error.
func (s *PostgresStore) SaveBatch(ctx context.Context, readings []models.SensorReading) (int, error) {
	written := 0
	for start := 0; start < len(readings); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(readings) {
			end = len(readings)
		}
		n, err := s.insertReadings(ctx, readings[start:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *PostgresStore) insertReadings(ctx context.Context, chunk []models.SensorReading) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO sensor_readings
		(sensor_id, sensor_type, value, unit, status, location_id, relics_id, recorded_at, received_at) VALUES `)

	args := make([]interface{}, 0, len(chunk)*9)
	now := time.Now().UTC()
	for i, r := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		var status sql.NullInt16
		if r.Status != nil {
			status = sql.NullInt16{Int16: int16(*r.Status), Valid: true}
		}
		args = append(args,
			r.SensorID,
			string(r.SensorType),
			r.Value,
			r.Unit,
			status,
			nullString(r.LocationID),
			nullString(r.RelicsID),
			r.Timestamp,
			now,
		)
	}

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return len(chunk), nil
	}
	return int(n), nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, event *models.AlertEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}

	query := `INSERT INTO sensor_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.AlertType,
		event.Severity,
		event.Message,
		event.SensorID,
		string(event.SensorType),
		nullString(event.LocationID),
		nullString(event.RelicsID),
		event.Value,
		event.Unit,
		nullFloat(event.Threshold),
		string(event.Status),
		event.CreatedAt,
		event.UpdatedAt,
		nullTime(event.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveAlert
		}
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActiveAlert(ctx context.Context, sensorID, alertType string) (*models.AlertEvent, error) {
	query := `SELECT ` + alertColumns + ` FROM sensor_alerts
		WHERE sensor_id = $1 AND alert_type = $2 AND status = 'ACTIVE'
		LIMIT 1`

	event, err := scanAlert(s.db.QueryRowContext(ctx, query, sensorID, alertType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active alert: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, alertID string) (*models.AlertEvent, error) {
	query := `SELECT ` + alertColumns + ` FROM sensor_alerts WHERE id = $1`

	event, err := scanAlert(s.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) UpdateAlert(ctx context.Context, event *models.AlertEvent) error {
	query := `UPDATE sensor_alerts
		SET severity = $2, message = $3, value = $4, threshold = $5, updated_at = $6
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Severity,
		event.Message,
		event.Value,
		nullFloat(event.Threshold),
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, resolvedAt *time.Time) (bool, error) {
	updatedAt := time.Now().UTC()
	if resolvedAt != nil {
		updatedAt = *resolvedAt
	}

	query := `UPDATE sensor_alerts SET status = $2, resolved_at = $3, updated_at = $4 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, alertID, string(status), nullTime(resolvedAt), updatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateActiveAlert
		}
		return false, fmt.Errorf("failed to update alert status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) AggregateReadings(ctx context.Context, from, to time.Time) ([]models.AggregationBucket, error) {
	query := `SELECT
			sensor_id,
			sensor_type,
			MIN(value),
			MAX(value),
			AVG(value),
			COALESCE(STDDEV_POP(value), 0),
			COUNT(*),
			COALESCE(MAX(unit), ''),
			COALESCE(MAX(location_id), ''),
			COALESCE(MAX(relics_id), '')
		FROM sensor_readings
		WHERE recorded_at >= $1 AND recorded_at < $2
		GROUP BY sensor_id, sensor_type
		ORDER BY sensor_id, sensor_type`

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate readings: %w", err)
	}
	defer rows.Close()

	var out []models.AggregationBucket
	for rows.Next() {
		var b models.AggregationBucket
		var sensorType string
		if err := rows.Scan(
			&b.SensorID,
			&sensorType,
			&b.Min,
			&b.Max,
			&b.Avg,
			&b.StdDev,
			&b.Count,
			&b.Unit,
			&b.LocationID,
			&b.RelicsID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		b.SensorType = models.SensorType(sensorType)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate aggregate rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertHourlyBucket(ctx context.Context, bucket models.AggregationBucket) error {
	return s.upsertBucket(ctx, "sensor_stats_hourly", bucket)
}

func (s *PostgresStore) InsertDailyBucket(ctx context.Context, bucket models.AggregationBucket) error {
	return s.upsertBucket(ctx, "sensor_stats_daily", bucket)
}

// upsertBucket writes a bucket, replacing any previous row with the same key.
func (s *PostgresStore) upsertBucket(ctx context.Context, table string, b models.AggregationBucket) error {
	query := `INSERT INTO ` + table + ` (
			sensor_id, sensor_type, bucket_start, min_value, max_value, avg_value,
			stddev_value, sample_count, unit, location_id, relics_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sensor_id, sensor_type, bucket_start) DO UPDATE SET
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			avg_value = EXCLUDED.avg_value,
			stddev_value = EXCLUDED.stddev_value,
			sample_count = EXCLUDED.sample_count,
			unit = EXCLUDED.unit,
			location_id = EXCLUDED.location_id,
			relics_id = EXCLUDED.relics_id`

	_, err := s.db.ExecContext(ctx, query,
		b.SensorID,
		string(b.SensorType),
		b.BucketStart,
		b.Min,
		b.Max,
		b.Avg,
		b.StdDev,
		b.Count,
		b.Unit,
		nullString(b.LocationID),
		nullString(b.RelicsID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s bucket: %w", table, err)
	}
	return nil
}

// hourlyRollup names the hourly job's row in rollup_state.
const hourlyRollup = "hourly"

func (s *PostgresStore) RollupWatermark(ctx context.Context) (time.Time, error) {
	var watermark time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM rollup_state WHERE name = $1`, hourlyRollup).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read rollup watermark: %w", err)
	}
	return watermark, nil
}

func (s *PostgresStore) SaveRollupWatermark(ctx context.Context, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_state (name, watermark) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET watermark = GREATEST(rollup_state.watermark, EXCLUDED.watermark)`,
		hourlyRollup, watermark)
	if err != nil {
		return fmt.Errorf("failed to save rollup watermark: %w", err)
	}
	return nil
}

func (s *PostgresStore) OldestReading(ctx context.Context) (time.Time, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MIN(recorded_at) FROM sensor_readings`).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read oldest reading: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, nil
	}
	return oldest.Time, nil
}

func (s *PostgresStore) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func scanAlert(row *sql.Row) (*models.AlertEvent, error) {
	var event models.AlertEvent
	var sensorType, status string
	var location, relics sql.NullString
	var threshold sql.NullFloat64
	var resolvedAt sql.NullTime

	err := row.Scan(
		&event.ID,
		&event.AlertType,
		&event.Severity,
		&event.Message,
		&event.SensorID,
		&sensorType,
		&location,
		&relics,
		&event.Value,
		&event.Unit,
		&threshold,
		&status,
		&event.CreatedAt,
		&event.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	event.SensorType = models.SensorType(sensorType)
	event.Status = models.AlertStatus(status)
	event.LocationID = location.String
	event.RelicsID = relics.String
	if threshold.Valid {
		t := threshold.Float64
		event.Threshold = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		event.ResolvedAt = &t
	}
	return &event, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
