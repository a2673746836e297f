// Package sqlite provides a SQLite-backed Store. The change-record append
// and the synctoken increment run in one transaction, so concurrent
// mutations on the same calendar can neither share nor skip a token.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/mo"

	"github.com/keulen/groupdav/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS calendars (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	components   TEXT NOT NULL DEFAULT 'VEVENT,VTODO,VJOURNAL',
	synctoken    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS calendar_objects (
	calendar_id      TEXT NOT NULL,
	uri              TEXT NOT NULL,
	data             TEXT NOT NULL,
	etag             TEXT NOT NULL,
	size             INTEGER NOT NULL,
	component_type   TEXT NOT NULL,
	uid              TEXT NOT NULL DEFAULT '',
	classification   TEXT,
	first_occurrence INTEGER,
	last_occurrence  INTEGER,
	last_modified    INTEGER NOT NULL,
	PRIMARY KEY (calendar_id, uri)
);

CREATE INDEX IF NOT EXISTS idx_objects_range
	ON calendar_objects(calendar_id, component_type, first_occurrence, last_occurrence);

CREATE TABLE IF NOT EXISTS calendar_changes (
	calendar_id TEXT NOT NULL,
	uri         TEXT NOT NULL,
	synctoken   INTEGER NOT NULL,
	operation   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_token
	ON calendar_changes(calendar_id, synctoken);
`

// Store wraps a sql.DB with calendar-store operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	conn, err := sql.Open("sqlite3", dsn+sep+"_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) GetCalendar(ctx context.Context, calendarID string) (*storage.Calendar, error) {
	var cal storage.Calendar
	var components string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, display_name, components, synctoken FROM calendars WHERE id = ?`,
		calendarID,
	).Scan(&cal.ID, &cal.DisplayName, &components, &cal.SyncToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get calendar: %w", err)
	}
	if components != "" {
		cal.SupportedComponents = strings.Split(components, ",")
	}
	return &cal, nil
}

func (s *Store) CreateCalendar(ctx context.Context, cal *storage.Calendar) error {
	token := cal.SyncToken
	if token < 1 {
		token = 1
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO calendars (id, display_name, components, synctoken) VALUES (?, ?, ?, ?)`,
		cal.ID, cal.DisplayName, strings.Join(cal.SupportedComponents, ","), token)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("calendar %q: %w", cal.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create calendar: %w", err)
	}
	return nil
}

// DeleteCalendar removes the calendar, its objects and its change log in
// one transaction.
func (s *Store) DeleteCalendar(ctx context.Context, calendarID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	res, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, calendarID)
	if err != nil {
		return fmt.Errorf("sqlite: delete calendar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_objects WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("sqlite: purge objects: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_changes WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("sqlite: purge changes: %w", err)
	}
	return tx.Commit()
}

const infoColumns = `calendar_id, uri, etag, size, component_type, uid, classification, first_occurrence, last_occurrence, last_modified`

func (s *Store) ListObjects(ctx context.Context, calendarID string) ([]storage.ObjectInfo, error) {
	if _, err := s.SyncToken(ctx, calendarID); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+infoColumns+` FROM calendar_objects WHERE calendar_id = ? ORDER BY uri`,
		calendarID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list objects: %w", err)
	}
	defer rows.Close()

	var infos []storage.ObjectInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) GetObject(ctx context.Context, calendarID, uri string) (*storage.CalendarObject, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+infoColumns+`, data FROM calendar_objects WHERE calendar_id = ? AND uri = ?`,
		calendarID, uri)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %s/%s: %w", calendarID, uri, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Store) GetObjects(ctx context.Context, calendarID string, uris []string) ([]storage.CalendarObject, error) {
	var out []storage.CalendarObject
	for _, uri := range uris {
		obj, err := s.GetObject(ctx, calendarID, uri)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *obj)
	}
	return out, nil
}

func (s *Store) QueryObjects(ctx context.Context, q storage.ObjectQuery) iter.Seq2[storage.CalendarObject, error] {
	return func(yield func(storage.CalendarObject, error) bool) {
		columns := infoColumns
		if q.WithData {
			columns += ", data"
		}
		query := `SELECT ` + columns + ` FROM calendar_objects WHERE calendar_id = ?`
		args := []any{q.CalendarID}
		if q.ComponentType != "" {
			query += ` AND component_type = ?`
			args = append(args, q.ComponentType)
		}
		if q.LastOccurrenceOnOrAfter != nil {
			query += ` AND last_occurrence >= ?`
			args = append(args, q.LastOccurrenceOnOrAfter.Unix())
		}
		if q.FirstOccurrenceBefore != nil {
			query += ` AND first_occurrence < ?`
			args = append(args, q.FirstOccurrenceBefore.Unix())
		}
		query += ` ORDER BY uri`

		rows, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			yield(storage.CalendarObject{}, fmt.Errorf("sqlite: query objects: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var obj *storage.CalendarObject
			var scanErr error
			if q.WithData {
				obj, scanErr = scanObject(rows)
			} else {
				info, err := scanInfo(rows)
				scanErr = err
				obj = &storage.CalendarObject{ObjectInfo: info}
			}
			if scanErr != nil {
				yield(storage.CalendarObject{}, scanErr)
				return
			}
			if !yield(*obj, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.CalendarObject{}, fmt.Errorf("sqlite: query objects: %w", err))
		}
	}
}

func (s *Store) InsertObject(ctx context.Context, obj *storage.CalendarObject) error {
	if _, err := s.SyncToken(ctx, obj.CalendarID); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO calendar_objects
			(calendar_id, uri, data, etag, size, component_type, uid, classification,
			 first_occurrence, last_occurrence, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.CalendarID, obj.URI, obj.Data, obj.ETag, obj.Size, obj.ComponentType, obj.UID,
		nullString(obj.Classification), nullUnix(obj.FirstOccurrence), nullUnix(obj.LastOccurrence),
		time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("object %s/%s: %w", obj.CalendarID, obj.URI, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: insert object: %w", err)
	}
	return nil
}

func (s *Store) UpdateObject(ctx context.Context, obj *storage.CalendarObject) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE calendar_objects SET
			data = ?, etag = ?, size = ?, component_type = ?, uid = ?,
			classification = ?, first_occurrence = ?, last_occurrence = ?, last_modified = ?
		WHERE calendar_id = ? AND uri = ?`,
		obj.Data, obj.ETag, obj.Size, obj.ComponentType, obj.UID,
		nullString(obj.Classification), nullUnix(obj.FirstOccurrence), nullUnix(obj.LastOccurrence),
		time.Now().Unix(),
		obj.CalendarID, obj.URI)
	if err != nil {
		return fmt.Errorf("sqlite: update object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("object %s/%s: %w", obj.CalendarID, obj.URI, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, calendarID, uri string) error {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM calendar_objects WHERE calendar_id = ? AND uri = ?`, calendarID, uri)
	if err != nil {
		return fmt.Errorf("sqlite: delete object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("object %s/%s: %w", calendarID, uri, storage.ErrNotFound)
	}
	return nil
}

// AppendChange records the operation at the calendar's current synctoken
// and increments the token inside one transaction.
func (s *Store) AppendChange(ctx context.Context, calendarID, uri string, op storage.Operation) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var token int64
	err = tx.QueryRowContext(ctx, `SELECT synctoken FROM calendars WHERE id = ?`, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read synctoken: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calendar_changes (calendar_id, uri, synctoken, operation) VALUES (?, ?, ?, ?)`,
		calendarID, uri, token, int(op)); err != nil {
		return 0, fmt.Errorf("sqlite: append change: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calendars SET synctoken = synctoken + 1 WHERE id = ?`, calendarID); err != nil {
		return 0, fmt.Errorf("sqlite: increment synctoken: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit change: %w", err)
	}
	return token, nil
}

func (s *Store) SyncToken(ctx context.Context, calendarID string) (int64, error) {
	var token int64
	err := s.conn.QueryRowContext(ctx, `SELECT synctoken FROM calendars WHERE id = ?`, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read synctoken: %w", err)
	}
	return token, nil
}

func (s *Store) ListChanges(ctx context.Context, calendarID string, sinceToken int64, limit int) ([]storage.ChangeRecord, error) {
	if _, err := s.SyncToken(ctx, calendarID); err != nil {
		return nil, err
	}
	query := `SELECT calendar_id, uri, synctoken, operation FROM calendar_changes
		WHERE calendar_id = ? AND synctoken >= ? ORDER BY synctoken`
	args := []any{calendarID, sinceToken}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list changes: %w", err)
	}
	defer rows.Close()

	var out []storage.ChangeRecord
	for rows.Next() {
		var rec storage.ChangeRecord
		var op int
		if err := rows.Scan(&rec.CalendarID, &rec.URI, &rec.SyncToken, &op); err != nil {
			return nil, fmt.Errorf("sqlite: scan change: %w", err)
		}
		rec.Op = storage.Operation(op)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (storage.ObjectInfo, error) {
	var info storage.ObjectInfo
	var classification sql.NullString
	var first, last sql.NullInt64
	var modified int64
	err := row.Scan(&info.CalendarID, &info.URI, &info.ETag, &info.Size, &info.ComponentType,
		&info.UID, &classification, &first, &last, &modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, err
		}
		return info, fmt.Errorf("sqlite: scan object: %w", err)
	}
	if classification.Valid {
		info.Classification = mo.Some(classification.String)
	}
	if first.Valid {
		info.FirstOccurrence = mo.Some(time.Unix(first.Int64, 0).UTC())
	}
	if last.Valid {
		info.LastOccurrence = mo.Some(time.Unix(last.Int64, 0).UTC())
	}
	info.LastModified = time.Unix(modified, 0).UTC()
	return info, nil
}

func scanObject(row scanner) (*storage.CalendarObject, error) {
	var obj storage.CalendarObject
	var classification sql.NullString
	var first, last sql.NullInt64
	var modified int64
	err := row.Scan(&obj.CalendarID, &obj.URI, &obj.ETag, &obj.Size, &obj.ComponentType,
		&obj.UID, &classification, &first, &last, &modified, &obj.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan object: %w", err)
	}
	if classification.Valid {
		obj.Classification = mo.Some(classification.String)
	}
	if first.Valid {
		obj.FirstOccurrence = mo.Some(time.Unix(first.Int64, 0).UTC())
	}
	if last.Valid {
		obj.LastOccurrence = mo.Some(time.Unix(last.Int64, 0).UTC())
	}
	obj.LastModified = time.Unix(modified, 0).UTC()
	return &obj, nil
}

func nullString(opt mo.Option[string]) any {
	if v, ok := opt.Get(); ok {
		return v
	}
	return nil
}

func nullUnix(opt mo.Option[time.Time]) any {
	if v, ok := opt.Get(); ok {
		return v.Unix()
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
