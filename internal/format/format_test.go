package format

import (
	"testing"

	"relaybot/internal/catalog"
)

func TestCount(t *testing.T) {
	t.Parallel()

	cases := map[uint64]string{0: "0", 999: "999", 1234: "1,234", 1234567: "1,234,567"}
	for in, want := range cases {
		if got := Count(in); got != want {
			t.Errorf("Count(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestLinks(t *testing.T) {
	t.Parallel()

	l := Links{Base: "https://example.org/"}
	cases := []struct{ got, want string }{
		{l.Changelist(100), "https://example.org/changelist/100/"},
		{l.Entity(catalog.NamespaceApp, 440, "history"), "https://example.org/app/440/#section_history"},
		{l.Entity(catalog.NamespacePackage, 7, ""), "https://example.org/sub/7/"},
		{l.Graph(0), "https://example.org/graph/"},
		{l.Graph(440), "https://example.org/graph/440/"},
		{l.Dump(catalog.NamespaceApp, 440), "https://example.org/raw/app/440.json"},
		{Links{}.App(1), "https://steamdb.info/app/1/"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		ns         catalog.Namespace
		raw, store string
		want       string
	}{
		{"plain app", catalog.NamespaceApp, "Team Fortress 2", "TF2 Store", "Team Fortress 2"},
		{"test app", catalog.NamespaceApp, "ValveTestApp123", "Real Game", "ValveTestApp123 (Real Game)"},
		{"unknown app", catalog.NamespaceApp, "SteamDB Unknown App 5", "Thing", "SteamDB Unknown App 5 (Thing)"},
		{"empty name", catalog.NamespaceApp, "", "Store Only", "Store Only"},
		{"no store", catalog.NamespaceApp, "ValveTestApp1", "", "ValveTestApp1"},
		{"placeholder sub", catalog.NamespacePackage, "Steam Sub 7", "Bundle", "Steam Sub 7 (Bundle)"},
		{"app prefix on sub", catalog.NamespacePackage, "ValveTestApp1", "Bundle", "ValveTestApp1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DisplayName(tc.ns, tc.raw, tc.store); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFallbackName(t *testing.T) {
	t.Parallel()

	if got := FallbackName(catalog.NamespaceApp, 440); got != "AppID 440" {
		t.Fatalf("got %q", got)
	}
	if got := FallbackName(catalog.NamespacePackage, 7); got != "SubID 7" {
		t.Fatalf("got %q", got)
	}
}
