package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"relaybot/internal/catalog"
)

// writeDump persists info as <dir>/<ns>/<id>.json through a temp file and rename.
func writeDump(dir string, ns catalog.Namespace, info catalog.ProductInfo) error {
	if dir == "" {
		return fmt.Errorf("%w: dump directory not configured", ErrPersistenceWrite)
	}
	dst := filepath.Join(dir, ns.String())
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}

	body := info.Data
	if len(body) == 0 {
		b, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
		}
		body = b
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		buf.Reset()
		buf.Write(body)
	}
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(dst, ".dump-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(buf.Bytes())
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	final := filepath.Join(dst, strconv.FormatUint(uint64(info.ID), 10)+".json")
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	return nil
}

// dumpReason strips the sentinel prefix for the chat reply.
func dumpReason(err error) string {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err.Error()
	}
	return strings.TrimPrefix(err.Error(), ErrPersistenceWrite.Error()+": ")
}
