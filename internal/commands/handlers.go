package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/catalog"
	"relaybot/internal/eventbus"
	"relaybot/internal/format"
	logx "relaybot/pkg/logx"
)

// Largest distance from the current changelist a forced check may jump.
const maxChangelistJump = 100

func (m *Dispatcher) cmdHelp(_ context.Context, req *Request) error {
	p := m.Prefix()
	names := make([]string, 0, len(m.ordered))
	for _, c := range m.ordered {
		names = append(names, p+c.Name.String())
	}
	m.reply(req, "Available commands: "+strings.Join(names, ", "))
	return nil
}

func (m *Dispatcher) cmdApp(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		m.usage(req)
		return nil
	}
	id, ok, err := m.target(ctx, req.Args, false)
	if err != nil {
		return err
	}
	if !ok {
		m.reply(req, msgNothingFound)
		return nil
	}
	return m.lookup(ctx, req, catalog.KindApp, id)
}

func (m *Dispatcher) cmdSub(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		m.usage(req)
		return nil
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		m.usage(req)
		return nil
	}
	return m.lookup(ctx, req, catalog.KindPackage, id)
}

// cmdPlayers without arguments asks for the global count (target 0).
func (m *Dispatcher) cmdPlayers(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return m.lookup(ctx, req, catalog.KindPlayers, 0)
	}
	id, ok, err := m.target(ctx, req.Args, true)
	if err != nil {
		return err
	}
	if !ok {
		m.reply(req, msgNothingFound)
		return nil
	}
	return m.lookup(ctx, req, catalog.KindPlayers, id)
}

// target reads a leading numeric id, ignoring any words after it, or searches by name.
func (m *Dispatcher) target(ctx context.Context, args []string, playable bool) (uint32, bool, error) {
	if id, err := parseID(args[0]); err == nil {
		return id, true, nil
	}
	if m.d.Finder == nil {
		return 0, false, nil
	}
	id, ok, err := m.d.Finder.FindApp(ctx, strings.Join(args, " "), playable)
	if err != nil {
		return 0, false, fmt.Errorf("find app: %w", err)
	}
	return id, ok, nil
}

func (m *Dispatcher) lookup(ctx context.Context, req *Request, kind catalog.Kind, target uint32) error {
	id, err := m.d.Lookups.Submit(ctx, m.d.Catalog, kind, target, req.From)
	if errors.Is(err, catalog.ErrNotConnected) {
		m.reply(req, msgNotConnected)
		return nil
	}
	if err != nil {
		m.reply(req, "Unable to send the request: "+err.Error())
		return fmt.Errorf("submit %s %d: %w", kind, target, err)
	}
	req.Logger.Debug("lookup submitted", logx.String("job", string(id)), logx.String("kind", kind.String()), logx.Uint32("target", target))
	return nil
}

func (m *Dispatcher) cmdStatus(_ context.Context, req *Request) error {
	var b strings.Builder
	cl := m.d.Catalog
	switch {
	case cl == nil || !cl.Connected():
		b.WriteString("Catalog: disconnected")
	case cl.Busy():
		fmt.Fprintf(&b, "Catalog: busy at changelist %d", cl.CurrentChange())
	default:
		fmt.Fprintf(&b, "Catalog: connected at changelist %d", cl.CurrentChange())
	}
	if m.d.Lookups != nil {
		fmt.Fprintf(&b, ", pending requests: %d", m.d.Lookups.Pending())
	}
	if m.d.WatchList != nil {
		s := m.d.WatchList.Snapshot()
		fmt.Fprintf(&b, ", important: %s apps and %s packages", format.Count(s.Apps()), format.Count(s.Packages()))
	}
	if m.d.Queue != nil {
		st := m.d.Queue.Stats()
		fmt.Fprintf(&b, ", queued: %d in %d lanes, dropped: %d, failed: %d", st.Queued, st.Lanes, st.Dropped, st.Failed)
	}
	m.reply(req, b.String())
	return nil
}

func (m *Dispatcher) cmdReload(ctx context.Context, req *Request) error {
	if m.d.WatchList == nil {
		return errors.New("watch-list not configured")
	}
	snap, err := m.d.WatchList.Reload(ctx)
	if err != nil {
		m.reply(req, "Unable to reload important apps: "+err.Error())
		return err
	}
	if m.d.Bus != nil {
		m.d.Bus.Publish(eventbus.Event{Type: eventbus.WatchListReloaded, Data: map[string]int{
			"apps":     snap.Apps(),
			"packages": snap.Packages(),
		}})
	}
	m.reply(req, fmt.Sprintf("Reloaded %d important apps and %d packages", snap.Apps(), snap.Packages()))
	return nil
}

func (m *Dispatcher) cmdForce(ctx context.Context, req *Request) error {
	cl := m.d.Catalog
	switch len(req.Args) {
	case 0:
		if err := cl.RequestChanges(ctx, cl.CurrentChange()); err != nil {
			return m.forceFailed(req, err)
		}
		m.reply(req, "Forced a check")
		return nil
	case 2:
	default:
		m.usage(req)
		return nil
	}

	target, err := parseID(req.Args[1])
	if err != nil {
		m.usage(req)
		return nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "app":
		if err := cl.Refresh(ctx, catalog.NamespaceApp, target); err != nil {
			return m.forceFailed(req, err)
		}
		m.reply(req, fmt.Sprintf("Forced update for AppID %d", target))
	case "sub":
		if err := cl.Refresh(ctx, catalog.NamespacePackage, target); err != nil {
			return m.forceFailed(req, err)
		}
		m.reply(req, fmt.Sprintf("Forced update for SubID %d", target))
	case "changelist":
		if distance(cl.CurrentChange(), target) > maxChangelistJump {
			m.reply(req, "Changelist difference is too big, will not execute")
			return nil
		}
		if err := cl.RequestChanges(ctx, target); err != nil {
			return m.forceFailed(req, err)
		}
		m.reply(req, fmt.Sprintf("Requested changes since changelist %d", target))
	default:
		m.usage(req)
	}
	return nil
}

func (m *Dispatcher) forceFailed(req *Request, err error) error {
	if errors.Is(err, catalog.ErrNotConnected) {
		m.reply(req, msgNotConnected)
	} else {
		m.reply(req, "Unable to send the request: "+err.Error())
	}
	return fmt.Errorf("force: %w", err)
}

func (m *Dispatcher) cmdRelogin(_ context.Context, req *Request) error {
	m.d.Catalog.Reconnect()
	req.Logger.Info("catalog reconnect forced", logx.String("user", req.From.Name))
	m.reply(req, "Reconnecting to the catalog.")
	return nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func distance(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
