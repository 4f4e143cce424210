package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Catalog  CatalogConfig  `json:"catalog"`
	Relay    RelayConfig    `json:"relay"`

	// Notifier controls the outbound message queues. If omitted, defaults apply.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	WatchList WatchListConfig `json:"watchlist,omitempty"`

	// Debug exposes /healthz and pprof over HTTP. Off unless set.
	Debug *DebugConfig `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings into an ops chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CatalogConfig points at the catalog event stream.
//
// All durations are Go duration strings. RequestTimeout "0s" disables expiry of
// pending lookups (entries then live until a response arrives).
type CatalogConfig struct {
	URL            string `json:"url"`
	Origin         string `json:"origin,omitempty"`
	ReconnectMin   string `json:"reconnect_min,omitempty"`
	ReconnectMax   string `json:"reconnect_max,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	// DumpDir receives resolved app/package info as <dump_dir>/<app|sub>/<id>.json.
	DumpDir string `json:"dump_dir,omitempty"`
}

// RelayConfig names the output destinations and the command grammar.
type RelayConfig struct {
	CommandPrefix  string `json:"command_prefix,omitempty"`
	MainChat       int64  `json:"main_chat"`
	MainThread     int    `json:"main_thread,omitempty"`
	AnnounceChat   int64  `json:"announce_chat"`
	AnnounceThread int    `json:"announce_thread,omitempty"`
	// BaseURL is the website used to build changelist/app/package links.
	BaseURL string `json:"base_url,omitempty"`
	// RawURL serves the persisted dumps.
	RawURL string `json:"raw_url,omitempty"`
}

// NotifierConfig controls the per-destination outbound queues.
type NotifierConfig struct {
	QueueSize  int `json:"queue_size"`
	RatePerSec int `json:"rate_per_sec"`
	Burst      int `json:"burst"`
	// SendTimeout is a Go duration string bounding one transport call.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// WatchListConfig controls important-entity reloads beyond the explicit command.
type WatchListConfig struct {
	// Refresh is an optional cron spec ("@every 10m", "0 */6 * * *").
	Refresh string `json:"refresh,omitempty"`
}

// DebugConfig controls the optional debug HTTP server.
//
// Non-loopback addresses require a token.
type DebugConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`
	Token       string `json:"token,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
