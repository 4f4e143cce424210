// Package ws is a catalog client speaking JSON frames over a websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"relaybot/internal/catalog"
	logx "relaybot/pkg/logx"
)

const (
	maxDecodeErrorsPerConn = 8
	writeTimeout           = 10 * time.Second
)

type Config struct {
	URL          string
	Origin       string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// frame is the envelope for every message in both directions.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type lookupPayload struct {
	Kind   string `json:"kind"`
	Target uint32 `json:"target"`
}

type refreshPayload struct {
	Namespace string `json:"namespace"`
	ID        uint32 `json:"id"`
}

type changesRequestPayload struct {
	Since uint32 `json:"since"`
}

type responsePayload struct {
	Result string          `json:"result"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type changeEntry struct {
	ID           uint32 `json:"id"`
	ChangeNumber uint32 `json:"change_number"`
	NeedsToken   bool   `json:"needs_token,omitempty"`
}

type changesPayload struct {
	Current  uint32        `json:"current"`
	Apps     []changeEntry `json:"apps"`
	Packages []changeEntry `json:"packages"`
}

type statusPayload struct {
	Busy bool `json:"busy"`
}

type Client struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	enc  *json.Encoder

	connected atomic.Bool
	busy      atomic.Bool
	current   atomic.Uint32

	newJobID func() string
}

var _ catalog.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(cfg.ReconnectMin, time.Minute)
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		cfg.Origin = "http://localhost/"
	}
	return &Client{cfg: cfg, log: log, newJobID: uuid.NewString}
}

func (c *Client) Connected() bool       { return c.connected.Load() }
func (c *Client) Busy() bool            { return c.busy.Load() }
func (c *Client) CurrentChange() uint32 { return c.current.Load() }

// Reconnect closes the live session. Run notices and dials again.
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.log.Info("catalog reconnect requested")
		_ = conn.Close()
	}
}

func (c *Client) Lookup(ctx context.Context, kind catalog.Kind, target uint32) (catalog.JobID, error) {
	id := c.newJobID()
	err := c.send(ctx, "lookup", id, lookupPayload{Kind: kind.String(), Target: target})
	if err != nil {
		return "", err
	}
	return catalog.JobID(id), nil
}

func (c *Client) Refresh(ctx context.Context, ns catalog.Namespace, id uint32) error {
	return c.send(ctx, "refresh", "", refreshPayload{Namespace: ns.String(), ID: id})
}

func (c *Client) RequestChanges(ctx context.Context, since uint32) error {
	return c.send(ctx, "changes", "", changesRequestPayload{Since: since})
}

func (c *Client) send(ctx context.Context, typ, requestID string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return catalog.ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.enc.Encode(frame{Type: typ, RequestID: requestID, Payload: raw}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// Run keeps a session open until ctx is canceled, dialing again with backoff after
// every disconnect.
func (c *Client) Run(ctx context.Context, h catalog.Handler) error {
	backoff := c.cfg.ReconnectMin
	for ctx.Err() == nil {
		started := time.Now()
		err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMin
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
		c.log.Warn("catalog session ended", logx.Err(err), logx.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
	return nil
}

func (c *Client) session(ctx context.Context, h catalog.Handler) error {
	wcfg, err := websocket.NewConfig(c.cfg.URL, c.cfg.Origin)
	if err != nil {
		return fmt.Errorf("catalog config: %w", err)
	}
	conn, err := wcfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("catalog dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info("catalog connected", logx.String("url", c.cfg.URL))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.connected.Store(false)
		c.busy.Store(false)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.enc = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Catch up from the last changelist we saw.
	if cur := c.current.Load(); cur > 0 {
		if err := c.RequestChanges(ctx, cur); err != nil {
			c.log.Warn("catalog catch-up request failed", logx.Err(err))
		}
	}

	dec := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return err
			}
			var syn *json.SyntaxError
			if !errors.As(err, &syn) {
				return err
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return fmt.Errorf("too many malformed frames: %w", err)
			}
			dec = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0
		c.dispatch(ctx, h, f)
	}
}

func (c *Client) dispatch(ctx context.Context, h catalog.Handler, f frame) {
	switch f.Type {
	case "response":
		var p responsePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("catalog response undecodable", logx.String("job_id", f.RequestID), logx.Err(err))
			return
		}
		h.OnResponse(ctx, catalog.Response{JobID: catalog.JobID(f.RequestID), Result: p.Result, Payload: p.Data})
	case "changes":
		var p changesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("catalog changes undecodable", logx.Err(err))
			return
		}
		if p.Current > c.current.Load() {
			c.current.Store(p.Current)
		}
		h.OnChanges(ctx, toBatch(p))
	case "status":
		var p statusPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("catalog status undecodable", logx.Err(err))
			return
		}
		c.busy.Store(p.Busy)
	default:
		c.log.Debug("catalog frame ignored", logx.String("type", f.Type))
	}
}

func toBatch(p changesPayload) catalog.ChangeBatch {
	b := catalog.ChangeBatch{
		Current:  p.Current,
		Apps:     make(map[uint32]catalog.ChangeRecord, len(p.Apps)),
		Packages: make(map[uint32]catalog.ChangeRecord, len(p.Packages)),
	}
	for _, e := range p.Apps {
		b.Apps[e.ID] = catalog.ChangeRecord{EntityID: e.ID, ChangeNumber: e.ChangeNumber, NeedsToken: e.NeedsToken, Namespace: catalog.NamespaceApp}
	}
	for _, e := range p.Packages {
		b.Packages[e.ID] = catalog.ChangeRecord{EntityID: e.ID, ChangeNumber: e.ChangeNumber, NeedsToken: e.NeedsToken, Namespace: catalog.NamespacePackage}
	}
	return b
}
