// Package relay answers chat requests once the catalog responds and forwards change
// batches to the aggregator.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/catalog"
	"relaybot/internal/changes"
	"relaybot/internal/eventbus"
	"relaybot/internal/format"
	"relaybot/internal/notifier"
	"relaybot/internal/registry"
	logx "relaybot/pkg/logx"
)

var (
	// ErrLookupFailed marks a catalog response whose result is not OK.
	ErrLookupFailed = errors.New("relay: lookup failed")
	// ErrPersistenceWrite marks a dump that could not be written.
	ErrPersistenceWrite = errors.New("relay: persistence write failed")
)

// DefaultRequestTimeout bounds how long a lookup may stay pending.
const DefaultRequestTimeout = 2 * time.Minute

type Config struct {
	// DumpDir receives product info dumps as <dir>/<app|sub>/<id>.json.
	DumpDir string
	Links   format.Links
	// RequestTimeout <= 0 disables expiry.
	RequestTimeout time.Duration
}

// Names is the part of the store the resolver reads.
type Names interface {
	DisplayName(ctx context.Context, ns catalog.Namespace, id uint32) (string, error)
	IsGraphed(ctx context.Context, appID uint32) (bool, error)
}

// Replier queues one line for a destination.
type Replier interface {
	Send(dest notifier.Destination, text string) error
}

// ChangeProcessor consumes change batches.
type ChangeProcessor interface {
	Process(ctx context.Context, b catalog.ChangeBatch) (changes.Summary, error)
}

// ResolvedEvent is the payload of request.resolved and request.expired events.
type ResolvedEvent struct {
	JobID   catalog.JobID `json:"job_id"`
	Kind    string        `json:"kind"`
	Target  uint32        `json:"target"`
	Result  string        `json:"result,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Resolver implements catalog.Handler.
type Resolver struct {
	reg     *registry.Registry
	names   Names
	out     Replier
	changes ChangeProcessor
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.RWMutex
	cfg Config

	// corrMu spans lookup submission and registration so a fast response cannot
	// be resolved before its entry exists.
	corrMu sync.Mutex

	now func() time.Time
}

func New(reg *registry.Registry, names Names, out Replier, ch ChangeProcessor, bus eventbus.Bus, log logx.Logger) *Resolver {
	return &Resolver{
		reg:     reg,
		names:   names,
		out:     out,
		changes: ch,
		bus:     bus,
		log:     log.With(logx.String("comp", "relay")),
		cfg:     Config{RequestTimeout: DefaultRequestTimeout},
		now:     time.Now,
	}
}

// Apply swaps the runtime config. Pending requests are kept.
func (r *Resolver) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Resolver) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// OnResponse resolves resp against the registry and answers the requester.
// Unmatched responses are dropped.
func (r *Resolver) OnResponse(ctx context.Context, resp catalog.Response) {
	r.corrMu.Lock()
	req, ok := r.reg.Resolve(resp.JobID)
	r.corrMu.Unlock()
	if !ok {
		r.log.Debug("unmatched catalog response", logx.String("job", string(resp.JobID)), logx.String("result", resp.Result))
		return
	}

	cfg := r.config()
	var text string
	switch req.Kind {
	case catalog.KindPlayers:
		text = r.players(ctx, cfg, req, resp)
	case catalog.KindApp, catalog.KindPackage:
		text = r.product(ctx, cfg, req, resp)
	default:
		r.log.Warn("response for unknown request kind", logx.String("job", string(resp.JobID)), logx.String("kind", req.Kind.String()))
		text = "I have no idea what happened here!"
	}

	if err := Reply(r.out, req.Requester, text); err != nil {
		r.log.Warn("reply dropped", logx.String("job", string(resp.JobID)), logx.Err(err))
	}
	r.publish(eventbus.RequestResolved, req, resp.Result)
}

// Submit sends a lookup to the catalog and registers the pending request under the
// returned job id. A duplicate id is logged and the lookup is still reported as sent.
func (r *Resolver) Submit(ctx context.Context, cl catalog.Client, kind catalog.Kind, target uint32, who registry.Requester) (catalog.JobID, error) {
	r.corrMu.Lock()
	defer r.corrMu.Unlock()

	id, err := cl.Lookup(ctx, kind, target)
	if err != nil {
		return "", err
	}
	req := registry.PendingRequest{JobID: id, Requester: who, Kind: kind, Target: target, CreatedAt: r.now()}
	if err := r.reg.Register(req); err != nil {
		r.log.Warn("pending request not registered", logx.String("job", string(id)), logx.Err(err))
		return id, nil
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.RequestRegistered, Data: ResolvedEvent{
			JobID:  id,
			Kind:   kind.String(),
			Target: target,
		}})
	}
	return id, nil
}

// Pending returns the number of requests awaiting a response.
func (r *Resolver) Pending() int { return r.reg.Len() }

// OnChanges hands the batch to the aggregator.
func (r *Resolver) OnChanges(ctx context.Context, b catalog.ChangeBatch) {
	if r.changes == nil {
		return
	}
	sum, err := r.changes.Process(ctx, b)
	if err != nil {
		r.log.Warn("change batch not fully delivered", logx.Uint32("current", b.Current), logx.Err(err))
		return
	}
	if sum.Lines > 0 {
		r.log.Debug("change batch relayed",
			logx.Uint32("current", sum.Current),
			logx.Int("groups", sum.Groups),
			logx.Int("lines", sum.Lines),
		)
	}
}

func (r *Resolver) players(ctx context.Context, cfg Config, req registry.PendingRequest, resp catalog.Response) string {
	if !resp.OK() {
		err := fmt.Errorf("%w: players %d: %s", ErrLookupFailed, req.Target, resp.Result)
		r.log.Info("player count lookup failed", logx.Err(err))
		return "Unable to request player count: " + resp.Result
	}
	pc, err := resp.PlayerCount()
	if err != nil {
		r.log.Warn("bad players payload", logx.String("job", string(resp.JobID)), logx.Err(err))
		return "Unable to request player count: " + err.Error()
	}

	if req.Target == 0 {
		return fmt.Sprintf("%s people playing right now - %s", format.Count(pc.Players), cfg.Links.Graph(0))
	}

	name := r.displayName(ctx, catalog.NamespaceApp, req.Target)
	link := " - " + cfg.Links.App(req.Target)
	var graphed bool
	if r.names != nil {
		var err error
		if graphed, err = r.names.IsGraphed(ctx, req.Target); err != nil {
			r.log.Warn("graph lookup failed", logx.Uint32("app", req.Target), logx.Err(err))
		}
	}
	if graphed {
		link = " - graph: " + cfg.Links.Graph(req.Target)
	}
	return fmt.Sprintf("People playing %s right now: %s%s", name, format.Count(pc.Players), link)
}

func (r *Resolver) product(ctx context.Context, cfg Config, req registry.PendingRequest, resp catalog.Response) string {
	ns := catalog.NamespaceApp
	label := "AppID"
	if req.Kind == catalog.KindPackage {
		ns = catalog.NamespacePackage
		label = "SubID"
	}

	if !resp.OK() {
		err := fmt.Errorf("%w: %s %d: %s", ErrLookupFailed, ns, req.Target, resp.Result)
		r.log.Info("product info lookup failed", logx.Err(err))
		return fmt.Sprintf("Unable to request %s info: %s", ns, resp.Result)
	}
	info, err := resp.Product()
	if err != nil {
		r.log.Warn("bad product payload", logx.String("job", string(resp.JobID)), logx.Err(err))
		return fmt.Sprintf("Unknown %s: %d", label, req.Target)
	}
	if info.Unknown || (info.ID != 0 && info.ID != req.Target) {
		return fmt.Sprintf("Unknown %s: %d", label, req.Target)
	}
	info.ID = req.Target

	name := info.Name
	if name == "" {
		name = r.displayName(ctx, ns, req.Target)
	}

	if err := writeDump(cfg.DumpDir, ns, info); err != nil {
		r.log.Warn("dump not saved", logx.String("ns", ns.String()), logx.Uint32("id", req.Target), logx.Err(err))
		return fmt.Sprintf("Unable to save file for %s: %s", name, dumpReason(err))
	}

	text := fmt.Sprintf("Dump for %s - %s", name, cfg.Links.Dump(ns, req.Target))
	if info.MissingToken {
		text += " (missing token)"
	}
	return text
}

func (r *Resolver) displayName(ctx context.Context, ns catalog.Namespace, id uint32) string {
	if r.names != nil {
		name, err := r.names.DisplayName(ctx, ns, id)
		if err != nil {
			r.log.Warn("name lookup failed", logx.String("ns", ns.String()), logx.Uint32("id", id), logx.Err(err))
		}
		if name != "" {
			return name
		}
	}
	return format.FallbackName(ns, id)
}

// ExpireStale drops requests older than the configured timeout and tells each
// requester. It returns how many were expired.
func (r *Resolver) ExpireStale() int {
	ttl := r.config().RequestTimeout
	expired := r.reg.Expire(r.now(), ttl)
	for _, req := range expired {
		text := fmt.Sprintf("No response from the catalog for %s %d", req.Kind, req.Target)
		if err := Reply(r.out, req.Requester, text); err != nil {
			r.log.Warn("expiry reply dropped", logx.String("job", string(req.JobID)), logx.Err(err))
		}
		r.publish(eventbus.RequestExpired, req, "")
	}
	if len(expired) > 0 {
		r.log.Info("expired pending requests", logx.Int("count", len(expired)), logx.Duration("ttl", ttl))
	}
	return len(expired)
}

func (r *Resolver) publish(typ string, req registry.PendingRequest, result string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: ResolvedEvent{
		JobID:   req.JobID,
		Kind:    req.Kind.String(),
		Target:  req.Target,
		Result:  result,
		Latency: r.now().Sub(req.CreatedAt),
	}})
}
