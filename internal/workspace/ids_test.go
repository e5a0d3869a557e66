package workspace

import (
	"errors"
	"strings"
	"testing"
)

func TestPathIDRoundTrip(t *testing.T) {
	paths := []string{
		"",
		"/",
		"/home/user/flows/demo.waldiez",
		"/tmp/ünïcødé/φ.py",
		"/tmp/spaces and #?&=%/x.ipynb",
		"C:\\Users\\me\\flow.waldiez",
		"/a", "/ab", "/abc", // every padding length
		"/emoji/🚀.py",
	}
	for _, p := range paths {
		id := PathToID(p)
		if strings.ContainsAny(id, "+/=") {
			t.Fatalf("PathToID(%q) = %q is not URL safe", p, id)
		}
		got, err := IDToPath(id)
		if err != nil {
			t.Fatalf("IDToPath(%q): %v", id, err)
		}
		if got != p {
			t.Fatalf("round trip of %q gave %q", p, got)
		}
		padded := id + strings.Repeat("=", (4-len(id)%4)%4)
		if got, err := IDToPath(padded); err != nil || got != p {
			t.Fatalf("padded id %q decoded to %q, %v", padded, got, err)
		}
	}
}

func TestIDToPathRejectsGarbage(t *testing.T) {
	if _, err := IDToPath("not*base64!"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("IDToPath(garbage) error = %v, want ErrInvalidPath", err)
	}
}
