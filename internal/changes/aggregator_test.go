package changes

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/catalog"
	"relaybot/internal/eventbus"
	"relaybot/internal/format"
	"relaybot/internal/notifier"
	kit "relaybot/internal/transport"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

type mapNames map[catalog.Namespace]map[uint32]string

func (m mapNames) DisplayName(_ context.Context, ns catalog.Namespace, id uint32) (string, error) {
	return m[ns][id], nil
}

type failingNames struct{}

func (failingNames) DisplayName(context.Context, catalog.Namespace, uint32) (string, error) {
	return "", errors.New("db down")
}

type recordingSender struct {
	calls [][]notifier.Message
	err   error
}

func (r *recordingSender) SendAll(msgs []notifier.Message) error {
	r.calls = append(r.calls, msgs)
	return r.err
}

type staticLoader struct{ apps, packages []uint32 }

func (l staticLoader) LoadWatchList(context.Context) ([]uint32, []uint32, error) {
	return l.apps, l.packages, nil
}

func newWatch(t *testing.T, apps, packages []uint32) *watchlist.WatchList {
	t.Helper()
	w := watchlist.New(staticLoader{apps: apps, packages: packages})
	_, err := w.Reload(context.Background())
	require.NoError(t, err)
	return w
}

func newAggregator(t *testing.T, names NameResolver, w *watchlist.WatchList, out Sender) *Aggregator {
	t.Helper()
	a := New(names, w, out, nil, logx.Nop())
	a.SetLinks(format.Links{Base: "https://db.test"})
	return a
}

func batch(current uint32, apps, packages map[uint32]uint32) catalog.ChangeBatch {
	b := catalog.ChangeBatch{
		Current:  current,
		Apps:     map[uint32]catalog.ChangeRecord{},
		Packages: map[uint32]catalog.ChangeRecord{},
	}
	for id, n := range apps {
		b.Apps[id] = catalog.ChangeRecord{EntityID: id, ChangeNumber: n, Namespace: catalog.NamespaceApp}
	}
	for id, n := range packages {
		b.Packages[id] = catalog.ChangeRecord{EntityID: id, ChangeNumber: n, Namespace: catalog.NamespacePackage}
	}
	return b
}

// texts returns the lines sent to dest, with packed messages split back into lines.
func texts(msgs []notifier.Message, dest notifier.Destination) []string {
	var out []string
	for _, m := range msgs {
		if m.Dest == dest {
			out = append(out, strings.Split(m.Text, "\n")...)
		}
	}
	return out
}

func appsInGroups(groups, perGroup int) map[uint32]uint32 {
	apps := map[uint32]uint32{}
	for g := 0; g < groups; g++ {
		for i := 0; i < perGroup; i++ {
			apps[uint32(g*10000+i)] = uint32(100 + g)
		}
	}
	return apps
}

func TestGroupBatchScenario(t *testing.T) {
	t.Parallel()

	b := batch(101, map[uint32]uint32{1: 100, 2: 100}, map[uint32]uint32{9: 101})
	groups := GroupBatch(b)

	require.Len(t, groups, 2)
	require.Equal(t, uint32(100), groups[0].ChangeNumber)
	require.Len(t, groups[0].Apps, 2)
	require.Empty(t, groups[0].Packages)
	require.NotNil(t, groups[0].Packages)
	require.Equal(t, uint32(101), groups[1].ChangeNumber)
	require.Empty(t, groups[1].Apps)
	require.Len(t, groups[1].Packages, 1)
}

func TestGroupBatchIsFullOuterJoin(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		apps := map[uint32]uint32{}
		packages := map[uint32]uint32{}
		seen := map[uint32]struct{ apps, packages int }{}
		nApps, nPackages := rng.Intn(40), rng.Intn(40)
		for i := 0; i < nApps; i++ {
			id, n := uint32(rng.Intn(1000)), uint32(rng.Intn(10))
			if _, dup := apps[id]; dup {
				continue
			}
			apps[id] = n
			c := seen[n]
			c.apps++
			seen[n] = c
		}
		for i := 0; i < nPackages; i++ {
			id, n := uint32(rng.Intn(1000)), uint32(rng.Intn(10))
			if _, dup := packages[id]; dup {
				continue
			}
			packages[id] = n
			c := seen[n]
			c.packages++
			seen[n] = c
		}

		groups := GroupBatch(batch(0, apps, packages))
		require.Len(t, groups, len(seen))
		for i, g := range groups {
			if i > 0 {
				require.Less(t, groups[i-1].ChangeNumber, g.ChangeNumber)
			}
			want := seen[g.ChangeNumber]
			require.Len(t, g.Apps, want.apps)
			require.Len(t, g.Packages, want.packages)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()

	apps := map[uint32]uint32{}
	packages := map[uint32]uint32{}
	for i := uint32(1); i <= 30; i++ {
		apps[i*7] = 100 + i%4
		packages[i*3] = 100 + i%5
	}
	a := newAggregator(t, mapNames{}, newWatch(t, []uint32{7, 14}, []uint32{3}), &recordingSender{})
	snap := a.watch.Snapshot()

	first := a.Plan(context.Background(), batch(110, apps, packages), snap)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, a.Plan(context.Background(), batch(110, apps, packages), snap))
	}
}

func TestPlanScenarioOutput(t *testing.T) {
	t.Parallel()

	names := mapNames{catalog.NamespaceApp: {1: "One"}}
	a := newAggregator(t, names, newWatch(t, nil, nil), &recordingSender{})
	b := batch(101, map[uint32]uint32{1: 100, 2: 100}, map[uint32]uint32{9: 101})
	rec := b.Apps[2]
	rec.NeedsToken = true
	b.Apps[2] = rec

	msgs := a.Plan(context.Background(), b, a.watch.Snapshot())
	require.Empty(t, texts(msgs, notifier.DestMain))
	require.Equal(t, []string{
		"» Changelist 100 (2 apps and 0 packages) - https://db.test/changelist/100/",
		"  App: 1 - One",
		"  App: 2 (needs token)",
		"» Changelist 101 (0 apps and 1 packages) - https://db.test/changelist/101/",
		"  Package: 9",
	}, texts(msgs, notifier.DestAnnounce))
}

func TestPlanEmptyBatch(t *testing.T) {
	t.Parallel()

	a := newAggregator(t, mapNames{}, newWatch(t, []uint32{1}, nil), &recordingSender{})
	require.Empty(t, a.Plan(context.Background(), batch(5, nil, nil), a.watch.Snapshot()))
}

func TestPlanDetailLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		total   int
		details int
		tooBig  bool
	}{
		{total: 500, details: 500},
		{total: 501, tooBig: true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.total), func(t *testing.T) {
			t.Parallel()

			apps := map[uint32]uint32{}
			packages := map[uint32]uint32{}
			for i := 0; i < tc.total; i++ {
				// Split across both sides to prove the limit is on the sum.
				if i%2 == 0 {
					apps[uint32(i)] = 7
				} else {
					packages[uint32(i)] = 7
				}
			}
			a := newAggregator(t, mapNames{}, newWatch(t, nil, nil), &recordingSender{})
			ann := texts(a.Plan(context.Background(), batch(7, apps, packages), a.watch.Snapshot()), notifier.DestAnnounce)

			details := 0
			sawTooBig := false
			for _, line := range ann {
				switch {
				case line == tooBigNotice:
					sawTooBig = true
				case strings.HasPrefix(line, "  App:"), strings.HasPrefix(line, "  Package:"):
					details++
				}
			}
			require.Equal(t, tc.details, details)
			require.Equal(t, tc.tooBig, sawTooBig)
			require.True(t, strings.HasPrefix(ann[0], "» Changelist 7 ("))
		})
	}
}

func TestPlanMainThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		apps     int
		wantMain bool
	}{
		{apps: 49, wantMain: false},
		{apps: 50, wantMain: true},
	}
	for _, tc := range cases {
		apps := map[uint32]uint32{}
		for i := 0; i < tc.apps; i++ {
			apps[uint32(i)] = 3
		}
		a := newAggregator(t, mapNames{}, newWatch(t, nil, nil), &recordingSender{})
		main := texts(a.Plan(context.Background(), batch(3, apps, nil), a.watch.Snapshot()), notifier.DestMain)
		if tc.wantMain {
			require.Equal(t, []string{fmt.Sprintf("Changelist 3 (%d apps and 0 packages) - https://db.test/changelist/3/", tc.apps)}, main)
		} else {
			require.Empty(t, main)
		}
	}
}

func TestPlanImportantThreshold(t *testing.T) {
	t.Parallel()

	names := mapNames{catalog.NamespaceApp: {1: "Alpha"}}
	for _, n := range []int{5, 6} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			t.Parallel()

			var watched []uint32
			apps := map[uint32]uint32{}
			for i := 1; i <= n; i++ {
				watched = append(watched, uint32(i))
				apps[uint32(i)] = 10
			}
			apps[999] = 10 // not important

			a := newAggregator(t, names, newWatch(t, watched, nil), &recordingSender{})
			msgs := a.Plan(context.Background(), batch(12, apps, nil), a.watch.Snapshot())
			main := texts(msgs, notifier.DestMain)

			if n == 5 {
				require.Len(t, main, 5)
				require.Equal(t, "Important app update: Alpha - https://db.test/app/1/#section_history", main[0])
				require.Equal(t, "Important app update: AppID 2 - https://db.test/app/2/#section_history", main[1])
			} else {
				require.Equal(t, []string{"6 important apps updated - https://db.test/changelist/12/"}, main)
			}
			// Important lines precede every announce line.
			require.Equal(t, notifier.DestMain, msgs[0].Dest)
		})
	}
}

func TestPlanImportantPackages(t *testing.T) {
	t.Parallel()

	names := mapNames{catalog.NamespacePackage: {7: "Bundle"}}
	a := newAggregator(t, names, newWatch(t, nil, []uint32{7}), &recordingSender{})
	msgs := a.Plan(context.Background(), batch(20, nil, map[uint32]uint32{7: 20}), a.watch.Snapshot())
	require.Equal(t, []string{"Important package update: Bundle - https://db.test/sub/7/#section_history"}, texts(msgs, notifier.DestMain))
}

func TestPlanNameLookupFailureFallsBack(t *testing.T) {
	t.Parallel()

	a := newAggregator(t, failingNames{}, newWatch(t, nil, nil), &recordingSender{})
	ann := texts(a.Plan(context.Background(), batch(1, map[uint32]uint32{440: 1}, nil), a.watch.Snapshot()), notifier.DestAnnounce)
	require.Equal(t, "  App: 440", ann[1])
}

func TestProcessSendsOneBatchAtOnce(t *testing.T) {
	t.Parallel()

	out := &recordingSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(2, eventbus.ChangesProcessed)
	defer unsub()

	a := New(mapNames{}, newWatch(t, nil, nil), out, bus, logx.Nop())
	sum, err := a.Process(context.Background(), batch(101, map[uint32]uint32{1: 100, 2: 100}, map[uint32]uint32{9: 101}))
	require.NoError(t, err)
	require.Len(t, out.calls, 1)
	require.Len(t, out.calls[0], 1)
	require.Equal(t, Summary{Current: 101, Groups: 2, Apps: 2, Packages: 1, Lines: 5, Messages: 1}, sum)

	e := <-events
	require.Equal(t, sum, e.Data)

	// Empty batches produce nothing at all.
	_, err = a.Process(context.Background(), batch(102, nil, nil))
	require.NoError(t, err)
	require.Len(t, out.calls, 1)
}

func TestProcessReportsEnqueueFailure(t *testing.T) {
	t.Parallel()

	out := &recordingSender{err: notifier.ErrQueueFull}
	a := New(mapNames{}, newWatch(t, nil, nil), out, nil, logx.Nop())
	_, err := a.Process(context.Background(), batch(1, map[uint32]uint32{1: 1}, nil))
	require.ErrorIs(t, err, notifier.ErrQueueFull)
}

func TestPlanPacksAnnounceBlocks(t *testing.T) {
	t.Parallel()

	a := newAggregator(t, mapNames{}, newWatch(t, nil, nil), &recordingSender{})

	// Small changelists share one message, each block starting with its summary.
	msgs := a.Plan(context.Background(), batch(3, appsInGroups(3, 2), nil), a.watch.Snapshot())
	require.Len(t, msgs, 1)
	require.Equal(t, notifier.DestAnnounce, msgs[0].Dest)
	require.Equal(t, 3, strings.Count(msgs[0].Text, "» Changelist"))
	require.True(t, strings.HasPrefix(msgs[0].Text, "» Changelist 100 "))

	// A large changelist is never cut across messages of other changelists.
	msgs = a.Plan(context.Background(), batch(3, appsInGroups(3, 400), nil), a.watch.Snapshot())
	var announces []string
	for _, m := range msgs {
		if m.Dest == notifier.DestAnnounce {
			announces = append(announces, m.Text)
		}
	}
	require.Len(t, announces, 3)
	for i, text := range announces {
		require.True(t, strings.HasPrefix(text, fmt.Sprintf("» Changelist %d (400 apps", 100+i)))
		require.Equal(t, 401, strings.Count(text, "\n")+1)
	}
	require.Len(t, texts(msgs, notifier.DestMain), 3)
}

// stuckAdapter never completes a send, so every planned message stays queued.
type stuckAdapter struct{}

func (stuckAdapter) Start(context.Context, chan<- kit.Update) error {
	return nil
}

func (stuckAdapter) Stop(context.Context) error {
	return nil
}

func (stuckAdapter) IsOperator(context.Context, int64, int64) (bool, error) {
	return false, nil
}

func (stuckAdapter) SendText(ctx context.Context, _ kit.ChatTarget, _ string, _ *kit.SendOptions) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessLargeBatchIsNotDropped(t *testing.T) {
	t.Parallel()

	out := notifier.New(notifier.Config{
		Main:        kit.ChatTarget{ChatID: -1},
		Announce:    kit.ChatTarget{ChatID: -2},
		SendTimeout: time.Minute,
	}, stuckAdapter{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	out.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		out.Stop(stopCtx)
	})

	a := New(mapNames{}, newWatch(t, nil, nil), out, nil, logx.Nop())
	sum, err := a.Process(context.Background(), batch(102, appsInGroups(3, 400), nil))
	require.NoError(t, err)
	require.Equal(t, 1206, sum.Lines)
	require.Equal(t, 6, sum.Messages)
	require.Zero(t, out.Stats().Dropped)
}

// serialSender records SendAll calls and notices overlapping ones.
type serialSender struct {
	inFlight atomic.Int32
	overlap  atomic.Bool

	mu    sync.Mutex
	calls [][]notifier.Message
}

func (s *serialSender) SendAll(msgs []notifier.Message) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	s.mu.Unlock()
	s.inFlight.Add(-1)
	return nil
}

func TestProcessSerializesConcurrentBatches(t *testing.T) {
	t.Parallel()

	const batches = 8
	out := &serialSender{}
	a := newAggregator(t, mapNames{}, newWatch(t, nil, nil), out)

	var wg sync.WaitGroup
	errs := make(chan error, batches)
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Batch i touches changelists i*100+1 .. i*100+3 only.
			apps := map[uint32]uint32{}
			for j := 0; j < 60; j++ {
				apps[uint32(i*1000+j)] = uint32(i*100 + 1 + j%3)
			}
			_, err := a.Process(context.Background(), batch(uint32(i*100+3), apps, nil))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.False(t, out.overlap.Load())
	require.Len(t, out.calls, batches)

	seen := map[int]bool{}
	for _, call := range out.calls {
		owner := -1
		for _, dest := range []notifier.Destination{notifier.DestMain, notifier.DestAnnounce} {
			var prev uint32
			for _, line := range texts(call, dest) {
				var n uint32
				if _, err := fmt.Sscanf(strings.TrimPrefix(line, "» "), "Changelist %d", &n); err != nil {
					continue
				}
				if owner == -1 {
					owner = int(n / 100)
				}
				require.Equal(t, owner, int(n/100), "lines of two batches in one call")
				require.Greater(t, n, prev)
				prev = n
			}
		}
		require.False(t, seen[owner])
		seen[owner] = true
	}
	require.Len(t, seen, batches)
}
