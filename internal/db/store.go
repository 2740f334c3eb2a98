package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/plugbridge/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const bridgeColumns = `bridge_id, plugin_id, name, filename, args_json, pid, state, health, outcome, last_error, dropped_events, started_at, stopped_at, updated_at`

// InsertBridge records a new bridge. Only one active bridge may exist per
// plugin id.
func (s *Store) InsertBridge(ctx context.Context, b model.Bridge) error {
	if strings.TrimSpace(b.BridgeID) == "" {
		return fmt.Errorf("bridge_id is required")
	}
	if b.State == "" {
		b.State = model.BridgeStarting
	}
	if b.Health == "" {
		b.Health = model.BridgeHealthOK
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.StartedAt
	}
	argsJSON, err := marshalArgs(b.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO bridges(`+bridgeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, b.BridgeID, int64(b.PluginID), b.Name, b.Filename, argsJSON, nullableI64(b.PID), string(b.State), string(b.Health),
		b.Outcome, b.LastError, b.DroppedEvents, ts(b.StartedAt), nullableTS(b.StoppedAt), ts(b.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("insert bridge %s: %w", b.BridgeID, ErrDuplicate)
		}
		return fmt.Errorf("insert bridge: %w", err)
	}
	return nil
}

// BridgeUpdate carries the fields written by UpdateBridge. Nil fields are
// left unchanged.
type BridgeUpdate struct {
	State     *model.BridgeState
	Health    *model.BridgeHealth
	PID       *int64
	Args      []string
	Outcome   *string
	LastError *string
	Dropped   *int64
}

// UpdateBridge applies u to the bridge. Moving to failed or stopped stamps
// stopped_at.
func (s *Store) UpdateBridge(ctx context.Context, bridgeID string, u BridgeUpdate, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sets := []string{"updated_at = ?"}
	args := []any{ts(now)}
	if u.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*u.State))
		if *u.State == model.BridgeFailed || *u.State == model.BridgeStopped {
			sets = append(sets, "stopped_at = COALESCE(stopped_at, ?)")
			args = append(args, ts(now))
		}
	}
	if u.Health != nil {
		sets = append(sets, "health = ?")
		args = append(args, string(*u.Health))
	}
	if u.PID != nil {
		sets = append(sets, "pid = ?")
		args = append(args, *u.PID)
	}
	if u.Args != nil {
		argsJSON, err := marshalArgs(u.Args)
		if err != nil {
			return err
		}
		sets = append(sets, "args_json = ?")
		args = append(args, argsJSON)
	}
	if u.Outcome != nil {
		sets = append(sets, "outcome = ?")
		args = append(args, *u.Outcome)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.Dropped != nil {
		sets = append(sets, "dropped_events = ?")
		args = append(args, *u.Dropped)
	}
	args = append(args, bridgeID)
	res, err := s.db.ExecContext(ctx, `UPDATE bridges SET `+strings.Join(sets, ", ")+` WHERE bridge_id = ?`, args...)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("update bridge %s: %w", bridgeID, ErrDuplicate)
		}
		return fmt.Errorf("update bridge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bridge rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetBridge(ctx context.Context, bridgeID string) (model.Bridge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bridgeColumns+` FROM bridges WHERE bridge_id = ?`, bridgeID)
	b, err := scanBridge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Bridge{}, ErrNotFound
		}
		return model.Bridge{}, err
	}
	return b, nil
}

// ListBridges returns bridges newest first. With activeOnly only starting
// and ready bridges are returned.
func (s *Store) ListBridges(ctx context.Context, activeOnly bool) ([]model.Bridge, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges`
	if activeOnly {
		query += ` WHERE state IN ('starting','ready')`
	}
	query += ` ORDER BY started_at DESC, bridge_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list bridges: %w", err)
	}
	defer rows.Close()

	out := make([]model.Bridge, 0)
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter bridges: %w", err)
	}
	return out, nil
}

// StopOrphanedBridges marks bridges left active by a previous daemon as
// stopped with the given outcome. It returns how many rows changed.
func (s *Store) StopOrphanedBridges(ctx context.Context, outcome string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE bridges
SET state = 'stopped', outcome = ?, stopped_at = COALESCE(stopped_at, ?), updated_at = ?
WHERE state IN ('starting','ready')
`, outcome, ts(now), ts(now))
	if err != nil {
		return 0, fmt.Errorf("stop orphaned bridges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stop orphaned bridges rows affected: %w", err)
	}
	return n, nil
}

// AppendNotifications stores a batch for one bridge in order and assigns the
// next sequence numbers. The returned slice carries the assigned Seq values.
func (s *Store) AppendNotifications(ctx context.Context, bridgeID string, batch []model.Notification) ([]model.Notification, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin notifications tx: %w", err)
	}
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM notifications WHERE bridge_id = ?`, bridgeID).Scan(&last); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("read notification seq: %w", err)
	}
	out := make([]model.Notification, 0, len(batch))
	for _, n := range batch {
		if strings.TrimSpace(n.NotificationID) == "" {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("notification_id is required")
		}
		last++
		n.BridgeID = bridgeID
		n.Seq = last
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO notifications(notification_id, bridge_id, seq, kind, value1, value2, value3, text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, n.NotificationID, bridgeID, n.Seq, n.Kind, n.Value1, n.Value2, n.Value3, n.Text, ts(n.CreatedAt))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			switch {
			case isForeignKeyErr(err):
				return nil, fmt.Errorf("append notification for %s: %w", bridgeID, ErrNotFound)
			case isUniqueErr(err):
				return nil, fmt.Errorf("append notification %s: %w", n.NotificationID, ErrDuplicate)
			}
			return nil, fmt.Errorf("append notification: %w", err)
		}
		out = append(out, n)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit notifications tx: %w", err)
	}
	return out, nil
}

// ListNotifications returns up to limit notifications with seq > afterSeq in
// sequence order.
func (s *Store) ListNotifications(ctx context.Context, bridgeID string, afterSeq int64, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT notification_id, bridge_id, seq, kind, value1, value2, value3, text, created_at
FROM notifications
WHERE bridge_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, bridgeID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		var createdAt string
		if err := rows.Scan(&n.NotificationID, &n.BridgeID, &n.Seq, &n.Kind, &n.Value1, &n.Value2, &n.Value3, &n.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if n.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter notifications: %w", err)
	}
	return out, nil
}

// PurgeRetention deletes notifications created before cutoff and stopped
// bridges that no longer have any.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("retention rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM bridges
WHERE state IN ('failed','stopped')
	AND updated_at < ?
	AND NOT EXISTS (SELECT 1 FROM notifications n WHERE n.bridge_id = bridges.bridge_id)
`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old bridges: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}
	return deleted, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func scanBridge(scanner interface{ Scan(dest ...any) error }) (model.Bridge, error) {
	var (
		b         model.Bridge
		pluginID  int64
		argsJSON  string
		pid       sql.NullInt64
		state     string
		health    string
		startedAt string
		stoppedAt sql.NullString
		updatedAt string
	)
	if err := scanner.Scan(&b.BridgeID, &pluginID, &b.Name, &b.Filename, &argsJSON, &pid, &state, &health,
		&b.Outcome, &b.LastError, &b.DroppedEvents, &startedAt, &stoppedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Bridge{}, err
		}
		return model.Bridge{}, fmt.Errorf("scan bridge: %w", err)
	}
	b.PluginID = uint32(pluginID)
	b.State = model.BridgeState(state)
	b.Health = model.BridgeHealth(health)
	if pid.Valid {
		v := pid.Int64
		b.PID = &v
	}
	args, err := unmarshalArgs(argsJSON)
	if err != nil {
		return model.Bridge{}, err
	}
	b.Args = args
	if b.StartedAt, err = parseTS(startedAt); err != nil {
		return model.Bridge{}, fmt.Errorf("parse started_at: %w", err)
	}
	if b.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Bridge{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if stoppedAt.Valid {
		v, err := parseTS(stoppedAt.String)
		if err != nil {
			return model.Bridge{}, fmt.Errorf("parse stopped_at: %w", err)
		}
		b.StoppedAt = &v
	}
	return b, nil
}

func marshalArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(raw), nil
}

func unmarshalArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return out, nil
}

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
