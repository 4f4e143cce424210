package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"relaybot/internal/catalog"
	"relaybot/internal/format"
	logx "relaybot/pkg/logx"
)

// fileStore serves a hand-maintained YAML catalog.
//
// Files:
//   - <path>                (YAML catalog, re-read on every watch-list load)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.RWMutex
	doc       catalogFile
	auditFile *os.File
}

type catalogFile struct {
	Apps     []fileApp     `yaml:"apps"`
	Packages []filePackage `yaml:"packages"`
}

type fileApp struct {
	ID          uint32    `yaml:"id"`
	Name        string    `yaml:"name"`
	StoreName   string    `yaml:"store_name"`
	Type        string    `yaml:"type"`
	LastUpdated time.Time `yaml:"last_updated"`
	Important   bool      `yaml:"important"`
	Graph       bool      `yaml:"graph"`
}

type filePackage struct {
	ID        uint32 `yaml:"id"`
	Name      string `yaml:"name"`
	StoreName string `yaml:"store_name"`
	Important bool   `yaml:"important"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	doc, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, base)+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, doc: doc, auditFile: af}, nil
}

// readCatalogFile treats a missing file as an empty catalog.
func readCatalogFile(path string) (catalogFile, error) {
	var doc catalogFile
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadWatchList(ctx context.Context) ([]uint32, []uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	doc, err := readCatalogFile(s.path)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	var apps, packages []uint32
	for _, a := range doc.Apps {
		if a.Important {
			apps = append(apps, a.ID)
		}
	}
	for _, p := range doc.Packages {
		if p.Important {
			packages = append(packages, p.ID)
		}
	}
	return apps, packages, nil
}

func (s *fileStore) DisplayName(_ context.Context, ns catalog.Namespace, id uint32) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns == catalog.NamespacePackage {
		for _, p := range s.doc.Packages {
			if p.ID == id {
				return format.DisplayName(ns, p.Name, p.StoreName), nil
			}
		}
		return "", nil
	}
	for _, a := range s.doc.Apps {
		if a.ID == id {
			return format.DisplayName(ns, a.Name, a.StoreName), nil
		}
	}
	return "", nil
}

func (s *fileStore) FindApp(_ context.Context, query string, playable bool) (uint32, bool, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0, false, nil
	}
	s.mu.RLock()
	var matches []fileApp
	for _, a := range s.doc.Apps {
		if playable && !slices.Contains(playableTypes, strings.ToLower(a.Type)) {
			continue
		}
		if strings.Contains(strings.ToLower(a.Name), q) || strings.Contains(strings.ToLower(a.StoreName), q) {
			matches = append(matches, a)
		}
	}
	s.mu.RUnlock()
	if len(matches) == 0 {
		return 0, false, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastUpdated.Equal(matches[j].LastUpdated) {
			return matches[i].LastUpdated.After(matches[j].LastUpdated)
		}
		return matches[i].ID > matches[j].ID
	})
	return matches[0].ID, true, nil
}

func (s *fileStore) IsGraphed(_ context.Context, appID uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.doc.Apps {
		if a.ID == appID {
			return a.Important && a.Graph, nil
		}
	}
	return false, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
