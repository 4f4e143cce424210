package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/catalog"
	"relaybot/internal/format"
	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadWatchList(ctx context.Context) ([]uint32, []uint32, error) {
	apps, err := s.ids(ctx, `SELECT app_id FROM important_apps WHERE announce = 1 ORDER BY app_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("important apps: %w", err)
	}
	packages, err := s.ids(ctx, `SELECT sub_id FROM important_subs ORDER BY sub_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("important subs: %w", err)
	}
	return apps, packages, nil
}

func (s *sqliteStore) ids(ctx context.Context, query string) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint32(id))
	}
	return out, rows.Err()
}

func (s *sqliteStore) DisplayName(ctx context.Context, ns catalog.Namespace, id uint32) (string, error) {
	query := `SELECT name, store_name FROM apps WHERE app_id = ?`
	if ns == catalog.NamespacePackage {
		query = `SELECT name, store_name FROM subs WHERE sub_id = ?`
	}
	var name, store string
	err := s.db.QueryRowContext(ctx, query, int64(id)).Scan(&name, &store)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return format.DisplayName(ns, name, store), nil
}

func (s *sqliteStore) FindApp(ctx context.Context, query string, playable bool) (uint32, bool, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, false, nil
	}
	pattern := "%" + escapeLike(query) + "%"

	stmt := `SELECT app_id FROM apps WHERE (store_name LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if playable {
		stmt += ` AND app_type IN (?, ?)`
		args = append(args, playableTypes[0], playableTypes[1])
	}
	stmt += ` ORDER BY last_updated DESC, app_id DESC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(id), true, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *sqliteStore) IsGraphed(ctx context.Context, appID uint32) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM important_apps WHERE app_id = ? AND graph = 1`, int64(appID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, command, args, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Command, nullStr(e.Args), boolInt(e.OK), nullStr(e.Error),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
