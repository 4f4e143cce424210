// Package commands parses chat messages into bot commands and runs them.
package commands

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/catalog"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/registry"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

// ErrUnauthorized is returned for operator commands sent by anyone else.
var ErrUnauthorized = errors.New("commands: unauthorized")

// DefaultPrefix starts every command.
const DefaultPrefix = "!"

const (
	msgNotConnected = "Not connected to the catalog."
	msgBusy         = "The bot is currently busy."
	msgChannelOnly  = "This command can only be used in a channel."
	msgNothingFound = "Nothing was found matching your request"
)

// Lookups submits correlated catalog lookups.
type Lookups interface {
	Submit(ctx context.Context, cl catalog.Client, kind catalog.Kind, target uint32, who registry.Requester) (catalog.JobID, error)
	Pending() int
}

// Finder searches the catalog snapshot by name.
type Finder interface {
	FindApp(ctx context.Context, query string, playable bool) (uint32, bool, error)
}

type Operators interface {
	IsOperator(ctx context.Context, chatID, userID int64) (bool, error)
}

type QueueStats interface {
	Stats() notifier.Stats
}

// Deps are the collaborators of a Dispatcher. Queue, Auditor, Menu and Bus are optional.
type Deps struct {
	Catalog   catalog.Client
	Lookups   Lookups
	Finder    Finder
	WatchList *watchlist.WatchList
	Out       relay.Replier
	Operators Operators
	Queue     QueueStats
	Auditor   Auditor
	Menu      transport.CommandMenuUpdater
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Request is one parsed command invocation.
type Request struct {
	Name   Name
	Args   []string
	Msg    transport.Message
	From   registry.Requester
	ReqID  string
	Logger logx.Logger
}

type Dispatcher struct {
	d   Deps
	log logx.Logger

	mu      sync.RWMutex
	prefix  string
	byWord  map[string]*Command
	ordered []*Command

	jobs chan func()
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Dispatcher{
		d:      d,
		log:    log.With(logx.String("comp", "commands")),
		prefix: DefaultPrefix,
		jobs:   make(chan func(), 256),
	}
	m.ordered = m.table()
	m.byWord = make(map[string]*Command, len(m.ordered))
	for _, c := range m.ordered {
		m.byWord[c.Name.String()] = c
	}
	return m
}

// SetPrefix changes the command sigil. Safe during hot reload.
func (m *Dispatcher) SetPrefix(p string) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = DefaultPrefix
	}
	m.mu.Lock()
	m.prefix = p
	m.mu.Unlock()
}

func (m *Dispatcher) Prefix() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefix
}

// Run dispatches updates to a small worker pool until ctx ends or updates closes.
func (m *Dispatcher) Run(ctx context.Context, updates <-chan transport.Update, workers int) error {
	if workers < 1 {
		workers = 2
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	if m.d.Menu != nil && m.Prefix() == "/" {
		sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := m.d.Menu.UpdateMenuCommands(mctx, m.menu()); err != nil {
				m.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			msg := *up.Message
			select {
			case m.jobs <- func() { _ = m.Handle(ctx, msg) }:
			default:
				m.log.Warn("command queue full, message dropped", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
			}
		}
	}
}

// Handle runs one message synchronously. Messages that are not commands return nil.
func (m *Dispatcher) Handle(ctx context.Context, msg transport.Message) error {
	parts := tokenize(msg.Text)
	if len(parts) == 0 {
		return nil
	}
	word, ok := commandWord(parts[0], m.Prefix())
	if !ok {
		return nil
	}
	m.mu.RLock()
	cmd := m.byWord[word]
	m.mu.RUnlock()
	if cmd == nil {
		return nil
	}

	req := &Request{
		Name: cmd.Name,
		Args: parts[1:],
		Msg:  msg,
		From: registry.Requester{
			UserID:  msg.FromID,
			Name:    msg.DisplayName(),
			Origin:  msg.Target(),
			Private: msg.Private,
		},
		ReqID: newReqID(),
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int("thread_id", msg.ThreadID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name.String()),
	)

	if !cmd.Ungated {
		switch {
		case m.d.Catalog == nil || !m.d.Catalog.Connected():
			m.reply(req, msgNotConnected)
			return nil
		case m.d.Catalog.Busy():
			m.reply(req, msgBusy)
			return nil
		}
	}

	if cmd.Access == AccessOperator {
		if msg.Private {
			if !cmd.SilentInPrivate {
				m.reply(req, msgChannelOnly)
			}
			return nil
		}
		if !m.isOperator(ctx, req) {
			req.Logger.Debug("operator command ignored")
			return ErrUnauthorized
		}
	}

	req.Logger.Info("handling command",
		logx.String("user", req.From.Name),
		logx.String("args", strings.Join(req.Args, " ")),
	)

	mws := []Middleware{mwPanicRecover(m.log), mwRequestLog(m.log), mwTimeout(cmd.Timeout)}
	if cmd.Access == AccessOperator {
		mws = append(mws, mwAudit(m.d.Auditor, m.log))
	}
	return Chain(cmd.Handle, mws...)(ctx, req)
}

func (m *Dispatcher) isOperator(ctx context.Context, req *Request) bool {
	if m.d.Operators == nil {
		return false
	}
	ok, err := m.d.Operators.IsOperator(ctx, req.Msg.ChatID, req.Msg.FromID)
	if err != nil {
		req.Logger.Warn("operator lookup failed", logx.Err(err))
		return false
	}
	return ok
}

func (m *Dispatcher) reply(req *Request, text string) {
	if m.d.Out == nil {
		return
	}
	if err := relay.Reply(m.d.Out, req.From, text); err != nil {
		req.Logger.Warn("reply dropped", logx.Err(err))
	}
}

func (m *Dispatcher) usage(req *Request) {
	cmd := m.byWord[req.Name.String()]
	m.reply(req, "Usage: "+m.Prefix()+cmd.Usage)
}

func (m *Dispatcher) menu() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(m.ordered))
	for _, c := range m.ordered {
		if c.Access == AccessOperator {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name.String(), Description: c.Description})
	}
	return out
}
