// Package format renders links, counts and entity names for chat output.
package format

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"relaybot/internal/catalog"
)

const defaultBaseURL = "https://steamdb.info"

var printer = message.NewPrinter(language.English)

// Count renders n with thousands separators ("1,234").
func Count[T ~int | ~int64 | ~uint32 | ~uint64](n T) string {
	return printer.Sprintf("%d", n)
}

// Links builds website URLs. The zero value points at the default site.
type Links struct {
	Base string
	// Raw serves persisted dumps; defaults to Base + "/raw".
	Raw string
}

func (l Links) base() string {
	b := strings.TrimRight(strings.TrimSpace(l.Base), "/")
	if b == "" {
		return defaultBaseURL
	}
	return b
}

func (l Links) raw() string {
	r := strings.TrimRight(strings.TrimSpace(l.Raw), "/")
	if r == "" {
		return l.base() + "/raw"
	}
	return r
}

func (l Links) Changelist(n uint32) string {
	return l.base() + "/changelist/" + u32(n) + "/"
}

// Entity links to an app or package page; section ("history") is optional.
func (l Links) Entity(ns catalog.Namespace, id uint32, section string) string {
	u := l.base() + "/" + ns.String() + "/" + u32(id) + "/"
	if section != "" {
		u += "#section_" + section
	}
	return u
}

func (l Links) App(id uint32) string { return l.Entity(catalog.NamespaceApp, id, "") }

// Graph links to the player-count graph; id 0 is the global graph.
func (l Links) Graph(id uint32) string {
	if id == 0 {
		return l.base() + "/graph/"
	}
	return l.base() + "/graph/" + u32(id) + "/"
}

// Dump links to the persisted product info of one entity.
func (l Links) Dump(ns catalog.Namespace, id uint32) string {
	return l.raw() + "/" + ns.String() + "/" + u32(id) + ".json"
}

func u32(n uint32) string { return strconv.FormatUint(uint64(n), 10) }

var placeholderAppPrefixes = []string{"ValveTestApp", "SteamDB Unknown App"}

const placeholderPackagePrefix = "Steam Sub"

// DisplayName composes the name shown for an entity. Placeholder catalog names get the
// store name appended in parentheses; an empty catalog name falls back to the store name.
func DisplayName(ns catalog.Namespace, name, storeName string) string {
	name = strings.TrimSpace(name)
	storeName = strings.TrimSpace(storeName)
	if storeName == "" {
		return name
	}
	if name == "" {
		return storeName
	}
	if isPlaceholder(ns, name) {
		return name + " (" + storeName + ")"
	}
	return name
}

func isPlaceholder(ns catalog.Namespace, name string) bool {
	if ns == catalog.NamespacePackage {
		return strings.HasPrefix(name, placeholderPackagePrefix)
	}
	for _, p := range placeholderAppPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// FallbackName is used when an entity has no known name ("AppID 440", "SubID 7").
func FallbackName(ns catalog.Namespace, id uint32) string {
	if ns == catalog.NamespacePackage {
		return "SubID " + u32(id)
	}
	return "AppID " + u32(id)
}
