package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/detect"
)

// SQLite is the durable Store implementation.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations. WAL mode keeps the intake path writable while the read
// APIs scan.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the connection is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveAlert inserts a new alert row. Alert ids are write-once;
// re-saving an id returns ErrDuplicateAlert.
func (s *SQLite) SaveAlert(ctx context.Context, a *Alert) error {
	eventJSON, err := json.Marshal(a.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	methodsJSON, err := json.Marshal(a.DetectionMethods)
	if err != nil {
		return fmt.Errorf("marshal detection methods: %w", err)
	}
	reasonsJSON, err := json.Marshal(a.RuleReasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	var containedAt any
	if a.ContainedAt != nil {
		containedAt = a.ContainedAt.UnixNano()
	}
	var anchorRoot any
	if a.AnchorRoot != "" {
		anchorRoot = a.AnchorRoot
	}
	status := a.Status
	if status == "" {
		status = StatusOpen
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, session_id, client_ip, upstream_ip, event_json, methods_json,
		                    severity, ml_score, reasons_json, status, contained, contained_at,
		                    forensic_hash, anchor_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.SessionID, a.ClientIP, a.UpstreamIP, string(eventJSON), string(methodsJSON),
		string(a.Severity), a.MLScore, string(reasonsJSON), string(status), a.Contained, containedAt,
		a.ForensicHash, anchorRoot, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateAlert
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `alert_id, session_id, client_ip, upstream_ip, event_json, methods_json,
	severity, ml_score, reasons_json, status, contained, contained_at, forensic_hash,
	anchor_root, created_at`

// GetAlert retrieves one alert by id.
func (s *SQLite) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns the newest alerts first.
func (s *SQLite) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, alert_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// MarkContained records containment on one alert. The first containment
// timestamp wins; repeated calls are no-ops beyond that.
func (s *SQLite) MarkContained(ctx context.Context, alertID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET contained = 1, contained_at = COALESCE(contained_at, ?), status = ?
		WHERE alert_id = ?`,
		at.UnixNano(), string(StatusContained), alertID,
	)
	if err != nil {
		return fmt.Errorf("mark contained: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// MarkSessionContained records containment on every alert of a session.
func (s *SQLite) MarkSessionContained(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET contained = 1, contained_at = COALESCE(contained_at, ?), status = ?
		WHERE session_id = ?`,
		at.UnixNano(), string(StatusContained), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark session contained: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// SetAnchorRoot backfills the anchor root on an anchored batch.
func (s *SQLite) SetAnchorRoot(ctx context.Context, alertIDs []string, root string) error {
	if len(alertIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE alerts SET anchor_root = ? WHERE alert_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range alertIDs {
		if _, err := stmt.ExecContext(ctx, root, id); err != nil {
			return fmt.Errorf("set anchor root for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveAnchor inserts an anchor row.
func (s *SQLite) SaveAnchor(ctx context.Context, a *anchor.Anchor) error {
	leavesJSON, err := json.Marshal(a.LeafHashes)
	if err != nil {
		return fmt.Errorf("marshal leaf hashes: %w", err)
	}
	alertIDsJSON, err := json.Marshal(a.AlertIDs)
	if err != nil {
		return fmt.Errorf("marshal alert ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchors (anchor_id, created_at, merkle_root, leaf_count, leaves_json,
		                     alert_ids_json, signature, signer_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AnchorID, a.CreatedAt, a.MerkleRoot, a.LeafCount, string(leavesJSON),
		string(alertIDsJSON), a.Signature, a.SignerID,
	)
	if err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}
	return nil
}

const anchorColumns = `anchor_id, created_at, merkle_root, leaf_count, leaves_json,
	alert_ids_json, signature, signer_id`

// GetAnchor retrieves one anchor by id.
func (s *SQLite) GetAnchor(ctx context.Context, anchorID string) (*anchor.Anchor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors WHERE anchor_id = ?`, anchorID)

	a, err := scanAnchor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnchorNotFound
		}
		return nil, fmt.Errorf("get anchor: %w", err)
	}
	return a, nil
}

// ListAnchors returns the newest anchors first.
func (s *SQLite) ListAnchors(ctx context.Context, limit int) ([]*anchor.Anchor, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors ORDER BY created_at DESC, anchor_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []*anchor.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchors: %w", err)
	}
	return anchors, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a           Alert
		eventJSON   string
		methodsJSON string
		reasonsJSON string
		status      string
		severity    string
		containedAt sql.NullInt64
		anchorRoot  sql.NullString
		createdAtNs int64
	)

	err := row.Scan(&a.AlertID, &a.SessionID, &a.ClientIP, &a.UpstreamIP, &eventJSON, &methodsJSON,
		&severity, &a.MLScore, &reasonsJSON, &status, &a.Contained, &containedAt,
		&a.ForensicHash, &anchorRoot, &createdAtNs)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventJSON), &a.Event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := json.Unmarshal([]byte(methodsJSON), &a.DetectionMethods); err != nil {
		return nil, fmt.Errorf("unmarshal detection methods: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &a.RuleReasons); err != nil {
		return nil, fmt.Errorf("unmarshal reasons: %w", err)
	}

	a.Severity = detect.Severity(severity)
	a.Status = Status(status)
	if containedAt.Valid {
		t := time.Unix(0, containedAt.Int64).UTC()
		a.ContainedAt = &t
	}
	if anchorRoot.Valid {
		a.AnchorRoot = anchorRoot.String
	}
	a.CreatedAt = time.Unix(0, createdAtNs).UTC()

	return &a, nil
}

func scanAnchor(row scanner) (*anchor.Anchor, error) {
	var (
		a            anchor.Anchor
		leavesJSON   string
		alertIDsJSON string
	)

	err := row.Scan(&a.AnchorID, &a.CreatedAt, &a.MerkleRoot, &a.LeafCount, &leavesJSON,
		&alertIDsJSON, &a.Signature, &a.SignerID)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(leavesJSON), &a.LeafHashes); err != nil {
		return nil, fmt.Errorf("unmarshal leaf hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(alertIDsJSON), &a.AlertIDs); err != nil {
		return nil, fmt.Errorf("unmarshal alert ids: %w", err)
	}

	return &a, nil
}
