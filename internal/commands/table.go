package commands

import (
	"fmt"
	"time"
)

// Name identifies a command. The table below is the only place commands are declared.
type Name uint8

const (
	CmdHelp Name = iota + 1
	CmdApp
	CmdSub
	CmdPlayers
	CmdStatus
	CmdReload
	CmdForce
	CmdRelogin
)

func (n Name) String() string {
	switch n {
	case CmdHelp:
		return "help"
	case CmdApp:
		return "app"
	case CmdSub:
		return "sub"
	case CmdPlayers:
		return "players"
	case CmdStatus:
		return "status"
	case CmdReload:
		return "reload"
	case CmdForce:
		return "force"
	case CmdRelogin:
		return "relogin"
	default:
		return fmt.Sprintf("command(%d)", uint8(n))
	}
}

type Access uint8

const (
	AccessEveryone Access = iota
	AccessOperator
)

type Command struct {
	Name        Name
	Usage       string
	Description string
	Access      Access
	// Ungated commands also run while the catalog is disconnected or busy.
	Ungated bool
	// SilentInPrivate skips the channel-only notice for operator commands.
	SilentInPrivate bool
	Timeout         time.Duration
	Handle          HandlerFunc
}

func (m *Dispatcher) table() []*Command {
	return []*Command{
		{Name: CmdHelp, Usage: "help", Description: "list commands", Handle: m.cmdHelp},
		{Name: CmdApp, Usage: "app <appid or partial game name>", Description: "dump app info", Timeout: 10 * time.Second, Handle: m.cmdApp},
		{Name: CmdSub, Usage: "sub <subid>", Description: "dump package info", Timeout: 10 * time.Second, Handle: m.cmdSub},
		{Name: CmdPlayers, Usage: "players <appid or partial game name>", Description: "current player count", Timeout: 10 * time.Second, Handle: m.cmdPlayers},
		{Name: CmdStatus, Usage: "status", Description: "relay status", Ungated: true, Handle: m.cmdStatus},
		{Name: CmdReload, Usage: "reload", Description: "reload important apps and packages", Access: AccessOperator, Timeout: 30 * time.Second, Handle: m.cmdReload},
		{Name: CmdForce, Usage: "force [<app/sub/changelist> <target>]", Description: "force a catalog refresh", Access: AccessOperator, Timeout: 10 * time.Second, Handle: m.cmdForce},
		{Name: CmdRelogin, Usage: "relogin", Description: "reconnect to the catalog", Access: AccessOperator, Ungated: true, SilentInPrivate: true, Handle: m.cmdRelogin},
	}
}
