package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

// expirySweep is how often pending lookups are checked against the request timeout.
const expirySweep = "@every 15s"

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

// jobs owns the periodic work: the request expiry sweep and the optional watch-list
// refresh, whose schedule follows config reloads.
type jobs struct {
	c     *cron.Cron
	log   logx.Logger
	res   *relay.Resolver
	watch *watchlist.WatchList
	bus   eventbus.Bus

	mu          sync.Mutex
	refreshSpec string
	refreshID   cron.EntryID
}

func newJobs(res *relay.Resolver, watch *watchlist.WatchList, bus eventbus.Bus, log logx.Logger) *jobs {
	cl := cronLogger{log: log}
	j := &jobs{
		c:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:   log,
		res:   res,
		watch: watch,
		bus:   bus,
	}
	return j
}

func (j *jobs) start() error {
	if _, err := j.c.AddFunc(expirySweep, func() { j.res.ExpireStale() }); err != nil {
		return err
	}
	j.c.Start()
	return nil
}

// stop waits for running jobs or ctx, whichever comes first.
func (j *jobs) stop(ctx context.Context) {
	done := j.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// setRefresh installs, replaces or removes the watch-list refresh schedule.
func (j *jobs) setRefresh(spec string) error {
	spec = strings.TrimSpace(spec)
	j.mu.Lock()
	defer j.mu.Unlock()
	if spec == j.refreshSpec {
		return nil
	}
	if j.refreshID != 0 {
		j.c.Remove(j.refreshID)
		j.refreshID = 0
	}
	j.refreshSpec = ""
	if spec == "" {
		return nil
	}
	id, err := j.c.AddFunc(spec, j.refreshWatchList)
	if err != nil {
		return err
	}
	j.refreshID = id
	j.refreshSpec = spec
	j.log.Info("watch-list refresh scheduled", logx.String("spec", spec))
	return nil
}

func (j *jobs) refreshWatchList() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reloadWatchList(ctx, j.watch, j.bus, j.log)
}

func reloadWatchList(ctx context.Context, w *watchlist.WatchList, bus eventbus.Bus, log logx.Logger) {
	prev := w.Snapshot()
	snap, err := w.Reload(ctx)
	if err != nil {
		log.Warn("watch-list reload failed; keeping previous", logx.Err(err))
		return
	}
	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.WatchListReloaded, Data: map[string]int{
			"apps":     snap.Apps(),
			"packages": snap.Packages(),
		}})
	}
	if !snap.Equal(prev) {
		log.Info("watch-list loaded", logx.Int("apps", snap.Apps()), logx.Int("packages", snap.Packages()))
	}
}
