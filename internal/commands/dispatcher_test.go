package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/catalog"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/registry"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

type lookupCall struct {
	kind   catalog.Kind
	target uint32
}

type fakeCatalog struct {
	mu         sync.Mutex
	connected  bool
	busy       bool
	current    uint32
	lookups    []lookupCall
	refreshes  []string
	changes    []uint32
	reconnects int
	seq        int
}

func (f *fakeCatalog) Lookup(_ context.Context, kind catalog.Kind, target uint32) (catalog.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return "", catalog.ErrNotConnected
	}
	f.seq++
	f.lookups = append(f.lookups, lookupCall{kind: kind, target: target})
	return catalog.JobID(fmt.Sprintf("job-%d", f.seq)), nil
}

func (f *fakeCatalog) Refresh(_ context.Context, ns catalog.Namespace, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, fmt.Sprintf("%s %d", ns, id))
	return nil
}

func (f *fakeCatalog) RequestChanges(_ context.Context, since uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, since)
	return nil
}

func (f *fakeCatalog) Connected() bool       { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeCatalog) Busy() bool            { f.mu.Lock(); defer f.mu.Unlock(); return f.busy }
func (f *fakeCatalog) CurrentChange() uint32 { f.mu.Lock(); defer f.mu.Unlock(); return f.current }
func (f *fakeCatalog) Reconnect()            { f.mu.Lock(); f.reconnects++; f.mu.Unlock() }
func (f *fakeCatalog) Run(ctx context.Context, _ catalog.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeCatalog) lookupCalls() []lookupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lookupCall(nil), f.lookups...)
}

type fakeOut struct {
	mu    sync.Mutex
	texts []string
	dests []notifier.Destination
}

func (f *fakeOut) Send(dest notifier.Destination, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.dests = append(f.dests, dest)
	return nil
}

func (f *fakeOut) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeOperators map[int64]bool

func (f fakeOperators) IsOperator(_ context.Context, _ int64, userID int64) (bool, error) {
	return f[userID], nil
}

type fakeFinder struct {
	hits     map[string]uint32
	playable []bool
}

func (f *fakeFinder) FindApp(_ context.Context, query string, playable bool) (uint32, bool, error) {
	f.playable = append(f.playable, playable)
	id, ok := f.hits[query]
	return id, ok, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type staticLoader struct{ apps, packages []uint32 }

func (l staticLoader) LoadWatchList(context.Context) ([]uint32, []uint32, error) {
	return l.apps, l.packages, nil
}

const (
	operatorID = 10
	userID     = 20
)

type harness struct {
	d      *Dispatcher
	cat    *fakeCatalog
	out    *fakeOut
	reg    *registry.Registry
	finder *fakeFinder
	audit  *fakeAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cat:    &fakeCatalog{connected: true, current: 1000},
		out:    &fakeOut{},
		reg:    registry.New(),
		finder: &fakeFinder{hits: map[string]uint32{"team fortress": 440, "dota": 570}},
		audit:  &fakeAudit{},
	}
	res := relay.New(h.reg, nil, h.out, nil, eventbus.New(), logx.Nop())
	h.d = New(Deps{
		Catalog:   h.cat,
		Lookups:   res,
		Finder:    h.finder,
		WatchList: watchlist.New(staticLoader{apps: []uint32{440, 570}, packages: []uint32{7}}),
		Out:       h.out,
		Operators: fakeOperators{operatorID: true},
		Auditor:   h.audit,
		Bus:       eventbus.New(),
		Log:       logx.Nop(),
	})
	return h
}

func channelMsg(from int64, text string) transport.Message {
	name := "alice"
	if from == operatorID {
		name = "op"
	}
	return transport.Message{ChatID: -100, FromID: from, FromUsername: name, Text: text}
}

func privateMsg(from int64, text string) transport.Message {
	m := channelMsg(from, text)
	m.ChatID = from
	m.Private = true
	return m
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"":                        nil,
		"!app 440":                {"!app", "440"},
		`!app "team fortress" 2`:  {"!app", "team fortress", "2"},
		`!app 'a b'`:              {"!app", "a b"},
		`!app a\ b`:               {"!app", "a b"},
		"  !force   app\t440  ":   {"!force", "app", "440"},
		`!app ""`:                 {"!app", ""},
	}
	for in, want := range cases {
		require.Equal(t, want, tokenize(in), "input %q", in)
	}
}

func TestCommandWord(t *testing.T) {
	t.Parallel()

	w, ok := commandWord("!APP", "!")
	require.True(t, ok)
	require.Equal(t, "app", w)

	w, ok = commandWord("/players@relaybot", "/")
	require.True(t, ok)
	require.Equal(t, "players", w)

	_, ok = commandWord("app", "!")
	require.False(t, ok)
	_, ok = commandWord("!", "!")
	require.False(t, ok)
}

func TestIgnoresNonCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, text := range []string{"", "hello", "!unknown 1", "app 440", "/app 440"} {
		require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, text)))
	}
	require.Empty(t, h.out.all())
	require.Empty(t, h.cat.lookupCalls())
}

func TestAvailabilityGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cat.connected = false
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "!app 440")))

	h.cat.connected = true
	h.cat.busy = true
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "!players")))

	require.Equal(t, []string{
		"alice: Not connected to the catalog.",
		"alice: The bot is currently busy.",
	}, h.out.all())
	require.Empty(t, h.cat.lookupCalls())
	require.Equal(t, 0, h.reg.Len())
}

func TestStatusIgnoresGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cat.connected = false
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "!status")))
	out := h.out.all()
	require.Len(t, out, 1)
	require.Contains(t, out[0], "Catalog: disconnected")
	require.Contains(t, out[0], "pending requests: 0")
}

func TestLookupsRegister(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!app 440")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!sub 7")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!players")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, `!app team fortress`)))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, `!players "dota"`)))

	require.Equal(t, []lookupCall{
		{catalog.KindApp, 440},
		{catalog.KindPackage, 7},
		{catalog.KindPlayers, 0},
		{catalog.KindApp, 440},
		{catalog.KindPlayers, 570},
	}, h.cat.lookupCalls())
	require.Equal(t, 5, h.reg.Len())
	require.Equal(t, []bool{false, true}, h.finder.playable)
	require.Empty(t, h.out.all())

	req, ok := h.reg.Resolve("job-1")
	require.True(t, ok)
	require.Equal(t, "alice", req.Requester.Name)
	require.Equal(t, transport.ChatTarget{ChatID: -100}, req.Requester.Origin)
}

func TestLeadingIDWinsOverTrailingWords(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!app 440 foo")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!players 570 bar baz")))

	require.Equal(t, []lookupCall{
		{catalog.KindApp, 440},
		{catalog.KindPlayers, 570},
	}, h.cat.lookupCalls())
	require.Empty(t, h.finder.playable)
	require.Empty(t, h.out.all())
}

func TestLookupReplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!app")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!sub abc")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(userID, "!app no such game")))
	require.NoError(t, h.d.Handle(ctx, privateMsg(userID, "!players nothing")))

	require.Equal(t, []string{
		"alice: Usage: !app <appid or partial game name>",
		"alice: Usage: !sub <subid>",
		"alice: Nothing was found matching your request",
		"Nothing was found matching your request",
	}, h.out.all())
	require.Equal(t, 0, h.reg.Len())
}

func TestPrivateOperatorCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.d.Handle(ctx, privateMsg(operatorID, "!force app 440")))
	require.NoError(t, h.d.Handle(ctx, privateMsg(operatorID, "!reload")))
	require.NoError(t, h.d.Handle(ctx, privateMsg(operatorID, "!relogin")))

	require.Equal(t, []string{
		"This command can only be used in a channel.",
		"This command can only be used in a channel.",
	}, h.out.all())
	require.Empty(t, h.cat.refreshes)
	require.Zero(t, h.cat.reconnects)
	require.Equal(t, 0, h.reg.Len())
	require.Equal(t, 0, h.d.d.WatchList.Snapshot().Apps())
	require.Empty(t, h.audit.entries)
}

func TestNonOperatorIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, text := range []string{"!force", "!reload", "!relogin"} {
		err := h.d.Handle(context.Background(), channelMsg(userID, text))
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	require.Empty(t, h.out.all())
	require.Empty(t, h.cat.changes)
	require.Zero(t, h.cat.reconnects)
}

func TestForce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args      string
		want      string
		refreshes []string
		changes   []uint32
	}{
		{"", "op: Forced a check", nil, []uint32{1000}},
		{"app 440", "op: Forced update for AppID 440", []string{"app 440"}, nil},
		{"sub 7", "op: Forced update for SubID 7", []string{"sub 7"}, nil},
		{"changelist 1100", "op: Requested changes since changelist 1100", nil, []uint32{1100}},
		{"changelist 900", "op: Requested changes since changelist 900", nil, []uint32{900}},
		{"changelist 1101", "op: Changelist difference is too big, will not execute", nil, nil},
		{"changelist 899", "op: Changelist difference is too big, will not execute", nil, nil},
		{"depot 1", "op: Usage: !force [<app/sub/changelist> <target>]", nil, nil},
		{"app x", "op: Usage: !force [<app/sub/changelist> <target>]", nil, nil},
		{"app", "op: Usage: !force [<app/sub/changelist> <target>]", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.args, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			text := "!force"
			if tc.args != "" {
				text += " " + tc.args
			}
			require.NoError(t, h.d.Handle(context.Background(), channelMsg(operatorID, text)))
			require.Equal(t, []string{tc.want}, h.out.all())
			require.Equal(t, tc.refreshes, h.cat.refreshes)
			require.Equal(t, tc.changes, h.cat.changes)
			require.Equal(t, 0, h.reg.Len())

			require.Len(t, h.audit.entries, 1)
			e := h.audit.entries[0]
			require.Equal(t, "force", e.Command)
			require.Equal(t, tc.args, e.Args)
			require.Equal(t, int64(operatorID), e.ActorID)
			require.True(t, e.OK)
		})
	}
}

func TestReloadAndRelogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.d.Handle(ctx, channelMsg(operatorID, "!reload")))
	require.NoError(t, h.d.Handle(ctx, channelMsg(operatorID, "!reload")))

	h.cat.connected = false
	require.NoError(t, h.d.Handle(ctx, channelMsg(operatorID, "!relogin")))

	require.Equal(t, []string{
		"op: Reloaded 2 important apps and 1 packages",
		"op: Reloaded 2 important apps and 1 packages",
		"op: Reconnecting to the catalog.",
	}, h.out.all())
	require.Equal(t, 1, h.cat.reconnects)
	require.Len(t, h.audit.entries, 3)
}

func TestHelpAndPrefix(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "!help")))
	require.Equal(t, []string{
		"alice: Available commands: !help, !app, !sub, !players, !status, !reload, !force, !relogin",
	}, h.out.all())

	h.d.SetPrefix("/")
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "/app@relaybot 440")))
	require.NoError(t, h.d.Handle(context.Background(), channelMsg(userID, "!app 441")))
	require.Equal(t, []lookupCall{{catalog.KindApp, 440}}, h.cat.lookupCalls())

	h.d.SetPrefix(" ")
	require.Equal(t, DefaultPrefix, h.d.Prefix())
}

type panicFinder struct{}

func (panicFinder) FindApp(context.Context, string, bool) (uint32, bool, error) {
	panic("boom")
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.d.d.Finder = panicFinder{}
	err := h.d.Handle(context.Background(), channelMsg(userID, "!app something"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic: boom")
}

type errFinder struct{}

func (errFinder) FindApp(context.Context, string, bool) (uint32, bool, error) {
	return 0, false, errors.New("db locked")
}

func TestFinderErrorReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.d.d.Finder = errFinder{}
	err := h.d.Handle(context.Background(), channelMsg(userID, "!app something"))
	require.ErrorContains(t, err, "db locked")
	require.Empty(t, h.out.all())
}

func TestRunDispatchesUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx, updates, 2) }()

	msg := channelMsg(userID, "!app 440")
	updates <- transport.Update{Message: &msg}
	updates <- transport.Update{}

	require.Eventually(t, func() bool { return h.reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	close(updates)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
