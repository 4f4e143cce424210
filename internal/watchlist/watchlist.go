// Package watchlist keeps the set of important apps and packages.
package watchlist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relaybot/internal/catalog"
)

// Loader reads the current important ids from storage.
type Loader interface {
	LoadWatchList(ctx context.Context) (apps, packages []uint32, err error)
}

// Snapshot is an immutable view of the watch-list.
type Snapshot struct {
	apps     map[uint32]struct{}
	packages map[uint32]struct{}
}

func NewSnapshot(apps, packages []uint32) *Snapshot {
	return &Snapshot{apps: toSet(apps), packages: toSet(packages)}
}

func toSet(ids []uint32) map[uint32]struct{} {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func (s *Snapshot) Contains(ns catalog.Namespace, id uint32) bool {
	if s == nil {
		return false
	}
	var ok bool
	switch ns {
	case catalog.NamespaceApp:
		_, ok = s.apps[id]
	case catalog.NamespacePackage:
		_, ok = s.packages[id]
	}
	return ok
}

func (s *Snapshot) Apps() int {
	if s == nil {
		return 0
	}
	return len(s.apps)
}

func (s *Snapshot) Packages() int {
	if s == nil {
		return 0
	}
	return len(s.packages)
}

// Equal reports set equality with o.
func (s *Snapshot) Equal(o *Snapshot) bool {
	return sameSet(s.appSet(), o.appSet()) && sameSet(s.packageSet(), o.packageSet())
}

func (s *Snapshot) appSet() map[uint32]struct{} {
	if s == nil {
		return nil
	}
	return s.apps
}

func (s *Snapshot) packageSet() map[uint32]struct{} {
	if s == nil {
		return nil
	}
	return s.packages
}

func sameSet(a, b map[uint32]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// WatchList publishes snapshots. Readers never observe a partially reloaded set.
type WatchList struct {
	loader Loader

	reloadMu sync.Mutex
	cur      atomic.Pointer[Snapshot]
}

func New(loader Loader) *WatchList {
	w := &WatchList{loader: loader}
	w.cur.Store(NewSnapshot(nil, nil))
	return w
}

func (w *WatchList) Snapshot() *Snapshot { return w.cur.Load() }

// Reload replaces the snapshot with fresh data. On error the previous snapshot stays.
func (w *WatchList) Reload(ctx context.Context) (*Snapshot, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	apps, packages, err := w.loader.LoadWatchList(ctx)
	if err != nil {
		return w.cur.Load(), fmt.Errorf("load watch-list: %w", err)
	}
	s := NewSnapshot(apps, packages)
	w.cur.Store(s)
	return s, nil
}
