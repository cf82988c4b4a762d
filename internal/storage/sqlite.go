//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pawsched/internal/recurrence"
	"pawsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; the conditional
	// claim UPDATE relies on the single-writer serialization.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- time / rule codecs ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func ruleText(r *recurrence.Rule) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func ruleFromText(v sql.NullString) (*recurrence.Rule, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	var r recurrence.Rule
	if err := json.Unmarshal([]byte(v.String), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- sends ----

const sendColumns = `id, sender_id, target_id, content, content_type, scheduled_at, time_zone, rule,
	status, attempt_count, next_retry_at, occurrence_count, last_error, sent_at, created_at, updated_at`

func (s *sqliteStore) CreateSend(ctx context.Context, snd *Send) error {
	rule, err := ruleText(snd.Rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sends(`+sendColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snd.ID, snd.SenderID, snd.TargetID, snd.Content, snd.ContentType,
		ms(snd.ScheduledAt), nullStr(snd.TimeZone), rule,
		string(snd.Status), snd.AttemptCount, msPtr(snd.NextRetryAt), snd.OccurrenceCount,
		nullStr(snd.LastError), msPtr(snd.SentAt), ms(snd.CreatedAt), ms(snd.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) scanSend(row interface{ Scan(...any) error }) (*Send, error) {
	var (
		snd                    Send
		scheduled, created, up int64
		tz, rule, lastErr      sql.NullString
		retry, sent            sql.NullInt64
		status                 string
	)
	err := row.Scan(&snd.ID, &snd.SenderID, &snd.TargetID, &snd.Content, &snd.ContentType,
		&scheduled, &tz, &rule, &status, &snd.AttemptCount, &retry, &snd.OccurrenceCount,
		&lastErr, &sent, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snd.ScheduledAt = fromMS(scheduled)
	snd.TimeZone = tz.String
	snd.Status = SendStatus(status)
	snd.NextRetryAt = fromMSPtr(retry)
	snd.LastError = lastErr.String
	snd.SentAt = fromMSPtr(sent)
	snd.CreatedAt = fromMS(created)
	snd.UpdatedAt = fromMS(up)
	if snd.Rule, err = ruleFromText(rule); err != nil {
		return nil, err
	}
	return &snd, nil
}

func (s *sqliteStore) GetSend(ctx context.Context, id string) (*Send, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM sends WHERE id = ?`, id)
	return s.scanSend(row)
}

func (s *sqliteStore) UpdateSend(ctx context.Context, snd *Send) error {
	rule, err := ruleText(snd.Rule)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sends SET sender_id=?, target_id=?, content=?, content_type=?, scheduled_at=?,
		 time_zone=?, rule=?, status=?, attempt_count=?, next_retry_at=?, occurrence_count=?,
		 last_error=?, sent_at=?, updated_at=? WHERE id=?`,
		snd.SenderID, snd.TargetID, snd.Content, snd.ContentType, ms(snd.ScheduledAt),
		nullStr(snd.TimeZone), rule, string(snd.Status), snd.AttemptCount, msPtr(snd.NextRetryAt),
		snd.OccurrenceCount, nullStr(snd.LastError), msPtr(snd.SentAt), ms(snd.UpdatedAt), snd.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListSends(ctx context.Context, f SendFilter) ([]*Send, error) {
	q := `SELECT ` + sendColumns + ` FROM sends WHERE 1=1`
	var args []any
	if f.SenderID != "" {
		q += ` AND sender_id = ?`
		args = append(args, f.SenderID)
	}
	if f.TargetID != "" {
		q += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Recurring != nil {
		if *f.Recurring {
			q += ` AND rule IS NOT NULL`
		} else {
			q += ` AND rule IS NULL`
		}
	}
	q += ` ORDER BY scheduled_at`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Send
	for rows.Next() {
		snd, err := s.scanSend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snd)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueSendIDs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]string, error) {
	q := `SELECT id FROM sends
		WHERE (status = 'pending' AND scheduled_at <= ?)
		   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempt_count < ?)
		ORDER BY scheduled_at`
	args := []any{ms(now), ms(now), maxAttempts}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) ClaimSend(ctx context.Context, id string, now time.Time, maxAttempts int) (*Send, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sends SET status = 'processing', updated_at = ?
		 WHERE id = ?
		   AND ((status = 'pending' AND scheduled_at <= ?)
		     OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempt_count < ?))`,
		ms(now), id, ms(now), ms(now), maxAttempts,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSend(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrClaimLost
	}
	return s.GetSend(ctx, id)
}

func (s *sqliteStore) TransitionSend(ctx context.Context, id string, from []SendStatus, to SendStatus, now time.Time) (*Send, error) {
	if len(from) == 0 {
		return nil, ErrClaimLost
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), ms(now), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sends SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSend(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrClaimLost
	}
	return s.GetSend(ctx, id)
}

func (s *sqliteStore) SendStats(ctx context.Context, senderID string, from, to time.Time) (SendStats, error) {
	q := `SELECT status, rule IS NOT NULL, COUNT(*) FROM sends
		WHERE created_at >= ? AND created_at <= ?`
	args := []any{ms(from), ms(to)}
	if senderID != "" {
		q += ` AND sender_id = ?`
		args = append(args, senderID)
	}
	q += ` GROUP BY status, rule IS NOT NULL`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return SendStats{}, err
	}
	defer rows.Close()

	var stats SendStats
	for rows.Next() {
		var (
			status    string
			recurring bool
			count     int
		)
		if err := rows.Scan(&status, &recurring, &count); err != nil {
			return SendStats{}, err
		}
		stats.Total += count
		if recurring {
			stats.Recurring += count
		}
		switch SendStatus(status) {
		case SendSent:
			stats.Sent += count
		case SendPending:
			stats.Pending += count
		case SendFailed:
			stats.Failed += count
		case SendCancelled:
			stats.Cancelled += count
		}
	}
	if err := rows.Err(); err != nil {
		return SendStats{}, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total) * 100
	}
	return stats, nil
}

func (s *sqliteStore) PurgeTerminalSends(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sends
		 WHERE rule IS NULL AND created_at < ?
		   AND (status IN ('sent', 'cancelled') OR (status = 'failed' AND next_retry_at IS NULL))`,
		ms(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- templates & instances ----

func (s *sqliteStore) PutTemplate(ctx context.Context, t *Template) error {
	rule, err := ruleText(t.Rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(id, owner_id, title, start_at, end_at, time_zone, status, tentative, rule, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, title=excluded.title,
		   start_at=excluded.start_at, end_at=excluded.end_at, time_zone=excluded.time_zone,
		   status=excluded.status, tentative=excluded.tentative, rule=excluded.rule,
		   updated_at=excluded.updated_at`,
		t.ID, t.OwnerID, t.Title, ms(t.Start), ms(t.End), nullStr(t.TimeZone),
		t.Status, t.Tentative, rule, ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, start_at, end_at, time_zone, status, tentative, rule, created_at, updated_at
		 FROM templates WHERE id = ?`, id)

	var (
		t           Template
		start, end  int64
		created, up int64
		tz, rule    sql.NullString
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &start, &end, &tz, &t.Status, &t.Tentative, &rule, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Start, t.End = fromMS(start), fromMS(end)
	t.TimeZone = tz.String
	t.CreatedAt, t.UpdatedAt = fromMS(created), fromMS(up)
	if t.Rule, err = ruleFromText(rule); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) InsertInstances(ctx context.Context, instances []*Instance) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n := 0
	for _, inst := range instances {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO instances(id, template_id, instance_number, original_start, original_end,
			   actual_start, actual_end, status, cancel_reason, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(template_id, instance_number) DO NOTHING`,
			inst.ID, inst.TemplateID, inst.InstanceNumber, ms(inst.OriginalStart), ms(inst.OriginalEnd),
			ms(inst.ActualStart), ms(inst.ActualEnd), inst.Status, nullStr(inst.CancelReason),
			ms(inst.CreatedAt), ms(inst.UpdatedAt),
		)
		if err != nil {
			return 0, err
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			n++
		}
	}
	return n, tx.Commit()
}

const instanceColumns = `id, template_id, instance_number, original_start, original_end,
	actual_start, actual_end, status, cancel_reason, created_at, updated_at`

func (s *sqliteStore) scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var (
		inst                         Instance
		os_, oe, as, ae, created, up int64
		reason                       sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.TemplateID, &inst.InstanceNumber, &os_, &oe, &as, &ae,
		&inst.Status, &reason, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.OriginalStart, inst.OriginalEnd = fromMS(os_), fromMS(oe)
	inst.ActualStart, inst.ActualEnd = fromMS(as), fromMS(ae)
	inst.CancelReason = reason.String
	inst.CreatedAt, inst.UpdatedAt = fromMS(created), fromMS(up)
	return &inst, nil
}

func (s *sqliteStore) queryInstances(ctx context.Context, q string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListInstances(ctx context.Context, templateID string, from, to time.Time) ([]*Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM instances WHERE template_id = ?`
	args := []any{templateID}
	if !from.IsZero() {
		q += ` AND actual_end > ?`
		args = append(args, ms(from))
	}
	if !to.IsZero() {
		q += ` AND actual_start < ?`
		args = append(args, ms(to))
	}
	q += ` ORDER BY instance_number`
	return s.queryInstances(ctx, q, args...)
}

func (s *sqliteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return s.scanInstance(row)
}

func (s *sqliteStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET actual_start=?, actual_end=?, status=?, cancel_reason=?, updated_at=?
		 WHERE id=?`,
		ms(inst.ActualStart), ms(inst.ActualEnd), inst.Status, nullStr(inst.CancelReason),
		ms(inst.UpdatedAt), inst.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) OwnerInstances(ctx context.Context, ownerID string, from, to time.Time) ([]*Instance, error) {
	q := `SELECT i.id, i.template_id, i.instance_number, i.original_start, i.original_end,
		i.actual_start, i.actual_end, i.status, i.cancel_reason, i.created_at, i.updated_at
		FROM instances i JOIN templates t ON t.id = i.template_id
		WHERE t.owner_id = ?`
	args := []any{ownerID}
	if !from.IsZero() {
		q += ` AND i.actual_end > ?`
		args = append(args, ms(from))
	}
	if !to.IsZero() {
		q += ` AND i.actual_start < ?`
		args = append(args, ms(to))
	}
	q += ` ORDER BY i.template_id, i.instance_number`
	return s.queryInstances(ctx, q, args...)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
