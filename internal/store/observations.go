package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/core"
)

// InsertResult counts what InsertIfAbsent did with its input.
type InsertResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
}

func (r *InsertResult) Add(o InsertResult) {
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
	r.Invalid += o.Invalid
}

type observationRow struct {
	Address        string  `db:"address"`
	IPAddress      *string `db:"ip_address"`
	ConnectionType string  `db:"connection_type"`
	FirstSeen      int64   `db:"first_seen"`
	LastSeen       int64   `db:"last_seen"`
	NetworkID      string  `db:"network_id"`
	NetworkName    string  `db:"network_name"`
	OrganizationID string  `db:"organization_id"`
	Description    *string `db:"description"`
	Manufacturer   *string `db:"manufacturer"`
	SSID           *string `db:"ssid"`
	VLAN           *string `db:"vlan"`
	CollectedAt    int64   `db:"collected_at"`
}

func (r observationRow) observation() core.Observation {
	return core.Observation{
		Address:        r.Address,
		IPAddress:      r.IPAddress,
		ConnectionType: core.ParseConnectionType(r.ConnectionType),
		FirstSeen:      fromMicros(r.FirstSeen),
		LastSeen:       fromMicros(r.LastSeen),
		NetworkID:      r.NetworkID,
		NetworkName:    r.NetworkName,
		OrganizationID: r.OrganizationID,
		Description:    r.Description,
		Manufacturer:   r.Manufacturer,
		SSID:           r.SSID,
		VLAN:           r.VLAN,
	}
}

const insertObservation = `
	INSERT INTO observations (
		address, ip_address, connection_type, first_seen, last_seen,
		network_id, network_name, organization_id,
		description, manufacturer, ssid, vlan, collected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (address, network_id, last_seen) DO NOTHING`

// InsertIfAbsent stores every observation whose (address, network_id,
// last_seen) is not stored yet. Inputs are normalized first; observations
// that still fail validation are counted as invalid and dropped. The batch is
// written in one transaction.
func (s *Store) InsertIfAbsent(ctx context.Context, observations []core.Observation) (InsertResult, error) {
	var result InsertResult
	if len(observations) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, storageErr("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertObservation))
	if err != nil {
		return result, storageErr("prepare insert", err)
	}
	defer stmt.Close()

	collectedAt := toMicros(s.now())
	for _, o := range observations {
		if o.Normalize() {
			s.logger.Debug("Clamped first_seen to last_seen",
				zap.String("address", o.Address),
				zap.String("network_id", o.NetworkID))
		}
		if err := o.Validate(); err != nil {
			s.logger.Warn("Dropping invalid observation", zap.Error(err))
			result.Invalid++
			continue
		}

		res, err := stmt.ExecContext(ctx,
			o.Address, o.IPAddress, string(o.ConnectionType),
			toMicros(o.FirstSeen), toMicros(o.LastSeen),
			o.NetworkID, o.NetworkName, o.OrganizationID,
			o.Description, o.Manufacturer, o.SSID, o.VLAN, collectedAt,
		)
		if err != nil {
			return InsertResult{}, storageErr("insert observation", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return InsertResult{}, storageErr("insert observation", err)
		}
		if n > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, storageErr("commit insert", err)
	}
	return result, nil
}

// LatestSeen returns the organization's watermark. ok is false when nothing
// has been stored for it yet.
func (s *Store) LatestSeen(ctx context.Context, orgID string) (time.Time, bool, error) {
	var latest sql.NullInt64
	query := s.db.Rebind(`SELECT MAX(last_seen) FROM observations WHERE organization_id = ?`)
	if err := s.db.GetContext(ctx, &latest, query, orgID); err != nil {
		return time.Time{}, false, storageErr("latest seen", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(latest.Int64), true, nil
}

// QueryRange returns the organization's observations with last_seen in
// [start, end), oldest first.
func (s *Store) QueryRange(ctx context.Context, orgID string, start, end time.Time) ([]core.Observation, error) {
	if !end.After(start) {
		return nil, nil
	}
	var rows []observationRow
	query := s.db.Rebind(`
		SELECT address, ip_address, connection_type, first_seen, last_seen,
		       network_id, network_name, organization_id,
		       description, manufacturer, ssid, vlan, collected_at
		FROM observations
		WHERE organization_id = ? AND last_seen >= ? AND last_seen < ?
		ORDER BY last_seen, address, network_id`)
	if err := s.db.SelectContext(ctx, &rows, query, orgID, toMicros(start), toMicros(end)); err != nil {
		return nil, storageErr("query range", err)
	}

	out := make([]core.Observation, len(rows))
	for i, r := range rows {
		out[i] = r.observation()
	}
	return out, nil
}

// Stats is a read-only summary of the store's contents.
type Stats struct {
	RecordCount     int64      `json:"record_count"`
	UniqueAddresses int64      `json:"unique_addresses"`
	Earliest        *time.Time `json:"earliest,omitempty"`
	Latest          *time.Time `json:"latest,omitempty"`
	Organizations   []string   `json:"organizations"`
	Networks        int64      `json:"networks"`
	CollectionRuns  int64      `json:"collection_runs"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var agg struct {
		Records   int64         `db:"records"`
		Addresses int64         `db:"addresses"`
		Networks  int64         `db:"networks"`
		Earliest  sql.NullInt64 `db:"earliest"`
		Latest    sql.NullInt64 `db:"latest"`
	}
	err := s.db.GetContext(ctx, &agg, `
		SELECT COUNT(*) AS records,
		       COUNT(DISTINCT address) AS addresses,
		       COUNT(DISTINCT network_id) AS networks,
		       MIN(last_seen) AS earliest,
		       MAX(last_seen) AS latest
		FROM observations`)
	if err != nil {
		return nil, storageErr("stats", err)
	}

	stats := &Stats{
		RecordCount:     agg.Records,
		UniqueAddresses: agg.Addresses,
		Networks:        agg.Networks,
		Organizations:   []string{},
	}
	if agg.Earliest.Valid {
		t := fromMicros(agg.Earliest.Int64)
		stats.Earliest = &t
	}
	if agg.Latest.Valid {
		t := fromMicros(agg.Latest.Int64)
		stats.Latest = &t
	}

	if err := s.db.SelectContext(ctx, &stats.Organizations,
		`SELECT DISTINCT organization_id FROM observations ORDER BY organization_id`); err != nil {
		return nil, storageErr("stats organizations", err)
	}
	if err := s.db.GetContext(ctx, &stats.CollectionRuns, `SELECT COUNT(*) FROM collection_runs`); err != nil {
		return nil, storageErr("stats runs", err)
	}
	return stats, nil
}

func (s Stats) String() string {
	return fmt.Sprintf("%d records, %d unique addresses, %d organizations", s.RecordCount, s.UniqueAddresses, len(s.Organizations))
}
