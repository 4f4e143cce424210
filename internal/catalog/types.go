// Package catalog holds the types shared with the external catalog service and the
// client contract the relay talks to.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Namespace separates the two entity id spaces.
type Namespace uint8

const (
	NamespaceApp Namespace = iota + 1
	NamespacePackage
)

func (n Namespace) String() string {
	switch n {
	case NamespaceApp:
		return "app"
	case NamespacePackage:
		return "sub"
	default:
		return fmt.Sprintf("namespace(%d)", uint8(n))
	}
}

// Label is the capitalised prefix used in detail lines.
func (n Namespace) Label() string {
	if n == NamespacePackage {
		return "Package"
	}
	return "App"
}

// Kind is the type of an asynchronous lookup.
type Kind uint8

const (
	KindApp Kind = iota + 1
	KindPackage
	KindPlayers
)

func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindPackage:
		return "sub"
	case KindPlayers:
		return "players"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// JobID correlates a lookup with its eventual response.
type JobID string

// ResultOK is the only successful response result.
const ResultOK = "OK"

var ErrNotConnected = errors.New("catalog: not connected")

type ChangeRecord struct {
	EntityID     uint32
	ChangeNumber uint32
	NeedsToken   bool
	Namespace    Namespace
}

// ChangeBatch is one delivery of changes since the last observed changelist.
type ChangeBatch struct {
	Current  uint32
	Apps     map[uint32]ChangeRecord
	Packages map[uint32]ChangeRecord
}

func (b ChangeBatch) Total() int { return len(b.Apps) + len(b.Packages) }

type Response struct {
	JobID   JobID
	Result  string
	Payload json.RawMessage
}

func (r Response) OK() bool { return r.Result == ResultOK }

// ProductInfo is the payload of an app or package lookup.
type ProductInfo struct {
	ID           uint32          `json:"id"`
	Name         string          `json:"name,omitempty"`
	MissingToken bool            `json:"missing_token,omitempty"`
	Unknown      bool            `json:"unknown,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// PlayerCount is the payload of a players lookup.
type PlayerCount struct {
	Players uint64 `json:"players"`
}

func (r Response) Product() (ProductInfo, error) {
	var p ProductInfo
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ProductInfo{}, fmt.Errorf("decode product payload: %w", err)
	}
	return p, nil
}

func (r Response) PlayerCount() (PlayerCount, error) {
	var p PlayerCount
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return PlayerCount{}, fmt.Errorf("decode players payload: %w", err)
	}
	return p, nil
}

// Handler receives decoded events from a Client.
type Handler interface {
	OnResponse(ctx context.Context, resp Response)
	OnChanges(ctx context.Context, batch ChangeBatch)
}

type Client interface {
	// Lookup submits an asynchronous request and returns the job id its response will carry.
	Lookup(ctx context.Context, kind Kind, target uint32) (JobID, error)
	// Refresh asks the catalog to re-fetch one entity. No response is correlated.
	Refresh(ctx context.Context, ns Namespace, id uint32) error
	// RequestChanges asks for changes since the given changelist.
	RequestChanges(ctx context.Context, since uint32) error

	Connected() bool
	Busy() bool
	CurrentChange() uint32
	// Reconnect drops the current session; Run dials again.
	Reconnect()

	Run(ctx context.Context, h Handler) error
}
