package storage

import (
	"context"
	"errors"
	"strings"

	"relaybot/internal/catalog"
	logx "relaybot/pkg/logx"
)

// Store is the persistence API used by the relay.
type Store interface {
	// LoadWatchList returns the ids of important apps (announce flag set) and packages.
	LoadWatchList(ctx context.Context) (apps, packages []uint32, err error)
	// DisplayName returns the composed display name, "" when the entity is unknown.
	DisplayName(ctx context.Context, ns catalog.Namespace, id uint32) (string, error)
	// FindApp returns the most recently updated app whose name or store name contains
	// query. playable restricts the search to games and applications.
	FindApp(ctx context.Context, query string, playable bool) (id uint32, ok bool, err error)
	// IsGraphed reports whether player counts of appID are graphed on the website.
	IsGraphed(ctx context.Context, appID uint32) (bool, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. A disabled store answers every lookup
// with "unknown" and discards audit entries.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nopStore{}, nil
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

type nopStore struct{}

func (nopStore) LoadWatchList(context.Context) ([]uint32, []uint32, error) { return nil, nil, nil }
func (nopStore) DisplayName(context.Context, catalog.Namespace, uint32) (string, error) {
	return "", nil
}
func (nopStore) FindApp(context.Context, string, bool) (uint32, bool, error) { return 0, false, nil }
func (nopStore) IsGraphed(context.Context, uint32) (bool, error)             { return false, nil }
func (nopStore) AppendAudit(context.Context, AuditEntry) error               { return nil }
func (nopStore) Close() error                                                { return nil }
