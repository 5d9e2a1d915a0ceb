package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// RiskStore is the durable, append-only RiskEvent audit trail.
type RiskStore struct {
	db *sql.DB
}

var _ ports.RiskEventStore = (*RiskStore)(nil)

func NewRiskStore(dsn string) (*RiskStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Every connection to :memory: opens its own database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 250;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &RiskStore{db: db}, nil
}

func (s *RiskStore) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *RiskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const insertRiskEvent = `
INSERT INTO risk_events (
    id, address, observed_at, factors, score, action_taken,
    ip, device_fingerprint, geo_lat, geo_lon, amount, operation
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendRiskEvent inserts one event
func (s *RiskStore) AppendRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	factors, err := json.Marshal(e.Factors)
	if err != nil {
		return err
	}

	var lat, lon sql.NullFloat64
	if e.Geo != nil {
		lat = sql.NullFloat64{Float64: e.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: e.Geo.Lon, Valid: true}
	}

	var amount sql.NullString
	if e.Amount.Valid {
		amount = sql.NullString{String: e.Amount.Decimal.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, insertRiskEvent,
		e.ID,
		e.Address.String(),
		e.ObservedAt.UnixNano(),
		string(factors),
		e.Score,
		string(e.Action),
		nullString(e.IP),
		nullString(e.DeviceFingerprint),
		lat, lon,
		amount,
		nullString(e.Operation),
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

const listRiskEvents = `
SELECT id, observed_at, factors, score, action_taken,
       ip, device_fingerprint, geo_lat, geo_lon, amount, operation
FROM risk_events
WHERE address = ? AND observed_at >= ?
ORDER BY observed_at DESC, id DESC
LIMIT ?`

// ListRiskEvents returns events for address, newest first
func (s *RiskStore) ListRiskEvents(ctx context.Context, address core.Address, since time.Time, limit int) ([]core.RiskEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, listRiskEvents, address.String(), since.UnixNano(), limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []core.RiskEvent
	for rows.Next() {
		var (
			e                  core.RiskEvent
			observed           int64
			factors, action    string
			ip, fp, amount, op sql.NullString
			lat, lon           sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &observed, &factors, &e.Score, &action, &ip, &fp, &lat, &lon, &amount, &op); err != nil {
			return nil, storageErr(err)
		}
		if err := json.Unmarshal([]byte(factors), &e.Factors); err != nil {
			return nil, fmt.Errorf("decode factors of %s: %w", e.ID, err)
		}

		e.Address = address
		e.ObservedAt = time.Unix(0, observed).UTC()
		e.Action = core.RiskAction(action)
		e.IP = ip.String
		e.DeviceFingerprint = fp.String
		e.Operation = op.String
		if lat.Valid && lon.Valid {
			e.Geo = &core.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
		}
		if amount.Valid {
			d, err := decimal.NewFromString(amount.String)
			if err == nil {
				e.Amount = decimal.NewNullDecimal(d)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// DeleteRiskEventsBefore prunes events past the retention window
func (s *RiskStore) DeleteRiskEventsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_events WHERE observed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
}
