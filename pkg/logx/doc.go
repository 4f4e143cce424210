// Package logx configures the relay's structured logging.
//
// Logger is a value type over zerolog; its zero value discards everything.
// Service owns the sinks (console, JSON file, and WARN+ mirroring into an ops
// chat) and swaps them in place when the config is reloaded.
package logx
