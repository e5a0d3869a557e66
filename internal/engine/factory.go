package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Supported file extensions.
const (
	ExtPython   = ".py"
	ExtNotebook = ".ipynb"
	ExtFlow     = ".waldiez"
)

// ErrUnsupportedExtension matches every UnsupportedExtensionError.
var ErrUnsupportedExtension = errors.New("unsupported extension")

// UnsupportedExtensionError reports a file no engine can run.
type UnsupportedExtensionError struct {
	Ext string
}

func (e *UnsupportedExtensionError) Error() string {
	return fmt.Sprintf("Unsupported extension: %s", e.Ext)
}

func (e *UnsupportedExtensionError) Is(target error) bool { return target == ErrUnsupportedExtension }

// Supported reports whether New accepts path.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtPython, ExtNotebook, ExtFlow:
		return true
	}
	return false
}

// New picks an engine from path's final extension, case-insensitively.
// It does not touch the file; problems with it surface from Start.
func New(path, root string, sink Sink, opts Options) (Engine, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ExtPython:
		return NewSubprocess(path, root, sink, opts), nil
	case ExtNotebook:
		return NewNotebook(path, root, sink, opts), nil
	case ExtFlow:
		return NewFlow(path, root, sink, opts), nil
	}
	return nil, &UnsupportedExtensionError{Ext: ext}
}
