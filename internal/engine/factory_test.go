package engine

import (
	"errors"
	"testing"
)

func TestNewSelectsEngineByExtension(t *testing.T) {
	opts := testOptions("python3")
	tests := []struct {
		path string
		want string
	}{
		{"/w/script.py", "subprocess"},
		{"/w/SCRIPT.PY", "subprocess"},
		{"/w/archive.tar.py", "subprocess"},
		{"/w/analysis.ipynb", "notebook"},
		{"/w/flow.waldiez", "flow"},
		{"/w/Flow.Waldiez", "flow"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, err := New(tt.path, "/w", newRecorder(), opts)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.path, err)
			}
			var got string
			switch e.(type) {
			case *Subprocess:
				got = "subprocess"
			case *Notebook:
				got = "notebook"
			case *Flow:
				got = "flow"
			}
			if got != tt.want {
				t.Fatalf("New(%q) = %T, want %s", tt.path, e, tt.want)
			}
		})
	}
}

func TestNewRejectsUnsupportedExtensions(t *testing.T) {
	for path, ext := range map[string]string{"/w/notes.txt": ".txt", "/w/Makefile": "", "/w/py.py.bak": ".bak"} {
		_, err := New(path, "/w", newRecorder(), testOptions("python3"))
		var unsupported *UnsupportedExtensionError
		if !errors.As(err, &unsupported) {
			t.Fatalf("New(%q) error = %v, want UnsupportedExtensionError", path, err)
		}
		if !errors.Is(err, ErrUnsupportedExtension) {
			t.Fatalf("New(%q) error does not match ErrUnsupportedExtension", path)
		}
		if unsupported.Ext != ext {
			t.Fatalf("New(%q) ext = %q, want %q", path, unsupported.Ext, ext)
		}
		if err.Error() != "Unsupported extension: "+ext {
			t.Fatalf("unexpected message %q", err.Error())
		}
	}
	if Supported("x.md") || !Supported("x.IPYNB") {
		t.Fatal("Supported mismatch")
	}
}
