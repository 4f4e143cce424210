package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/catalog/ws"
	"relaybot/internal/config"
	"relaybot/internal/format"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debugsrv"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Validate checks a decoded config the same way startup and hot reload do.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or RELAYBOT_TELEGRAM_TOKEN)"))
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapCatalogConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if spec := strings.TrimSpace(cfg.WatchList.Refresh); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("watchlist.refresh: invalid %q: %w", spec, err))
		}
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		errs = append(errs, errors.New("logging.chat.chat_id is required when logging.chat.enabled is true"))
	}
	return errors.Join(errs...)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Logging.Chat.ChatID,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapCatalogConfig(cfg *config.Config) (ws.Config, error) {
	c := cfg.Catalog
	if strings.TrimSpace(c.URL) == "" {
		return ws.Config{}, errors.New("catalog.url is required (or RELAYBOT_CATALOG_URL)")
	}
	minBackoff, err := config.ParseDurationOrDefault("catalog.reconnect_min", c.ReconnectMin, time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	maxBackoff, err := config.ParseDurationOrDefault("catalog.reconnect_max", c.ReconnectMax, time.Minute)
	if err != nil {
		return ws.Config{}, err
	}
	if maxBackoff < minBackoff {
		return ws.Config{}, fmt.Errorf("catalog.reconnect_max (%s) must be >= catalog.reconnect_min (%s)", maxBackoff, minBackoff)
	}
	return ws.Config{URL: strings.TrimSpace(c.URL), Origin: c.Origin, ReconnectMin: minBackoff, ReconnectMax: maxBackoff}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	// "0s" disables expiry, so only an empty value falls back to the default.
	timeout := relay.DefaultRequestTimeout
	if raw := cfg.Catalog.RequestTimeout; strings.TrimSpace(raw) != "" {
		d, err := config.ParseDurationField("catalog.request_timeout", raw)
		if err != nil {
			return relay.Config{}, err
		}
		timeout = d
	}
	dumpDir := strings.TrimSpace(cfg.Catalog.DumpDir)
	if dumpDir == "" {
		dumpDir = "./dumps"
	}
	return relay.Config{DumpDir: dumpDir, Links: mapLinks(cfg), RequestTimeout: timeout}, nil
}

func mapLinks(cfg *config.Config) format.Links {
	return format.Links{Base: cfg.Relay.BaseURL, Raw: cfg.Relay.RawURL}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Main:     transport.ChatTarget{ChatID: cfg.Relay.MainChat, ThreadID: cfg.Relay.MainThread},
		Announce: transport.ChatTarget{ChatID: cfg.Relay.AnnounceChat, ThreadID: cfg.Relay.AnnounceThread},
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.QueueSize < 0 || n.RatePerSec < 0 || n.Burst < 0 {
		return notifier.Config{}, errors.New("notifier.queue_size, rate_per_sec and burst must be >= 0")
	}
	st, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.Burst = n.Burst
	out.SendTimeout = st
	return out, nil
}

// mapStorageConfig returns a disabled config (empty driver) when storage is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	if d == nil || !d.Enabled {
		return debugsrv.Config{}, nil
	}
	out := debugsrv.Config{Enabled: true, Addr: strings.TrimSpace(d.Addr), Token: strings.TrimSpace(d.Token)}
	if out.Addr == "" {
		out.Addr = debugsrv.DefaultAddr
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return debugsrv.Config{}, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 2*time.Minute); err != nil {
		return debugsrv.Config{}, err
	}
	if err := debugsrv.CheckBind(out); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}
