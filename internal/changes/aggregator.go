// Package changes turns catalog change batches into chat lines.
package changes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"relaybot/internal/catalog"
	"relaybot/internal/eventbus"
	"relaybot/internal/format"
	"relaybot/internal/notifier"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

const (
	// More important entities than this collapse into one summary line.
	importantListLimit = 5
	// A group with at least this many apps or packages is also announced on main.
	mainChannelThreshold = 50
	// A group with more entities than this is not listed line by line.
	detailLimit = 500

	tooBigNotice = "  This changelist is too big to be printed, please view it on our website"

	// Announce blocks are packed into messages up to this many runes. The adapter
	// splits anything longer on line boundaries.
	announceBudget = 3500
)

// NameResolver returns the display name of an entity, "" when unknown.
type NameResolver interface {
	DisplayName(ctx context.Context, ns catalog.Namespace, id uint32) (string, error)
}

// Sender accepts planned lines in order.
type Sender interface {
	SendAll(msgs []notifier.Message) error
}

type Aggregator struct {
	names NameResolver
	watch *watchlist.WatchList
	out   Sender
	bus   eventbus.Bus
	log   logx.Logger

	linksMu sync.RWMutex
	links   format.Links

	// mu serializes batches so one batch is fully enqueued before the next starts.
	mu sync.Mutex
}

func New(names NameResolver, watch *watchlist.WatchList, out Sender, bus eventbus.Bus, log logx.Logger) *Aggregator {
	return &Aggregator{names: names, watch: watch, out: out, bus: bus, log: log}
}

func (a *Aggregator) SetLinks(l format.Links) {
	a.linksMu.Lock()
	a.links = l
	a.linksMu.Unlock()
}

func (a *Aggregator) currentLinks() format.Links {
	a.linksMu.RLock()
	defer a.linksMu.RUnlock()
	return a.links
}

// Summary describes one processed batch.
type Summary struct {
	Current   uint32 `json:"current"`
	Groups    int    `json:"groups"`
	Apps      int    `json:"apps"`
	Packages  int    `json:"packages"`
	Important int    `json:"important"`
	Lines     int    `json:"lines"`
	Messages  int    `json:"messages"`
}

// Process plans b against the current watch-list and hands every line to the sender.
func (a *Aggregator) Process(ctx context.Context, b catalog.ChangeBatch) (Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := Summary{Current: b.Current, Apps: len(b.Apps), Packages: len(b.Packages)}
	if b.Total() == 0 {
		return sum, nil
	}

	snap := a.watch.Snapshot()
	msgs, groups, imp := a.plan(ctx, b, snap)
	sum.Groups, sum.Important, sum.Messages = groups, imp, len(msgs)
	for _, m := range msgs {
		sum.Lines += strings.Count(m.Text, "\n") + 1
	}

	err := a.out.SendAll(msgs)
	if err != nil {
		a.log.Warn("changes partially enqueued", logx.Uint32("current", b.Current), logx.Err(err))
	}
	a.log.Debug("changes processed",
		logx.Uint32("current", b.Current),
		logx.Int("groups", sum.Groups),
		logx.Int("apps", sum.Apps),
		logx.Int("packages", sum.Packages),
		logx.Int("lines", sum.Lines),
		logx.Int("messages", sum.Messages),
	)
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ChangesProcessed, Data: sum})
	}
	if err != nil {
		return sum, fmt.Errorf("enqueue changes: %w", err)
	}
	return sum, nil
}

// Plan returns the messages Process would send for b, in send order. Each
// changelist's announce block (summary, then details) stays in one message;
// consecutive small blocks share a message.
func (a *Aggregator) Plan(ctx context.Context, b catalog.ChangeBatch, snap *watchlist.Snapshot) []notifier.Message {
	msgs, _, _ := a.plan(ctx, b, snap)
	return msgs
}

func (a *Aggregator) plan(ctx context.Context, b catalog.ChangeBatch, snap *watchlist.Snapshot) ([]notifier.Message, int, int) {
	if b.Total() == 0 {
		return nil, 0, 0
	}
	links := a.currentLinks()
	var msgs []notifier.Message
	main := func(text string) { msgs = append(msgs, notifier.Message{Dest: notifier.DestMain, Text: text}) }
	announce := func(text string) { msgs = append(msgs, notifier.Message{Dest: notifier.DestAnnounce, Text: text}) }

	// Important entities go first, apps then packages.
	nImportant := 0
	for _, side := range []struct {
		ns      catalog.Namespace
		changes map[uint32]catalog.ChangeRecord
		plural  string
		single  string
	}{
		{catalog.NamespaceApp, b.Apps, "apps", "app"},
		{catalog.NamespacePackage, b.Packages, "packages", "package"},
	} {
		ids := important(side.changes, func(id uint32) bool { return snap.Contains(side.ns, id) })
		nImportant += len(ids)
		if len(ids) > importantListLimit {
			main(fmt.Sprintf("%s important %s updated - %s", format.Count(len(ids)), side.plural, links.Changelist(b.Current)))
			continue
		}
		for _, id := range ids {
			name := a.name(ctx, side.ns, id)
			if name == "" {
				name = format.FallbackName(side.ns, id)
			}
			main(fmt.Sprintf("Important %s update: %s - %s", side.single, name, links.Entity(side.ns, id, "history")))
		}
	}

	groups := GroupBatch(b)
	var (
		block   []string
		pending strings.Builder
		runes   int
	)
	flush := func() {
		if pending.Len() > 0 {
			announce(pending.String())
			pending.Reset()
			runes = 0
		}
	}
	for _, g := range groups {
		line := fmt.Sprintf("Changelist %d (%s apps and %s packages) - %s",
			g.ChangeNumber, format.Count(len(g.Apps)), format.Count(len(g.Packages)), links.Changelist(g.ChangeNumber))
		if len(g.Apps) >= mainChannelThreshold || len(g.Packages) >= mainChannelThreshold {
			main(line)
		}

		block = append(block[:0], "» "+line)
		if g.Total() > detailLimit {
			block = append(block, tooBigNotice)
		} else {
			for _, r := range g.Apps {
				block = append(block, a.detail(ctx, r))
			}
			for _, r := range g.Packages {
				block = append(block, a.detail(ctx, r))
			}
		}
		text := strings.Join(block, "\n")
		n := utf8.RuneCountInString(text)
		if runes > 0 && runes+1+n > announceBudget {
			flush()
		}
		if runes > 0 {
			pending.WriteByte('\n')
			runes++
		}
		pending.WriteString(text)
		runes += n
	}
	flush()
	return msgs, len(groups), nImportant
}

// detail renders "  App: 440 - Team Fortress 2 (needs token)".
func (a *Aggregator) detail(ctx context.Context, r catalog.ChangeRecord) string {
	text := fmt.Sprintf("  %s: %d", r.Namespace.Label(), r.EntityID)
	if name := a.name(ctx, r.Namespace, r.EntityID); name != "" {
		text += " - " + name
	}
	if r.NeedsToken {
		text += " (needs token)"
	}
	return text
}

func (a *Aggregator) name(ctx context.Context, ns catalog.Namespace, id uint32) string {
	if a.names == nil {
		return ""
	}
	name, err := a.names.DisplayName(ctx, ns, id)
	if err != nil {
		a.log.Debug("name lookup failed", logx.String("namespace", ns.String()), logx.Uint32("id", id), logx.Err(err))
		return ""
	}
	return name
}
