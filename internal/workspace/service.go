package workspace

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/filelock"
	"github.com/waldiez/studio/internal/common/logger"
)

const (
	newFileName   = "Untitled.waldiez"
	newFolderName = "New Folder"
	newFlowBody   = `{"type": "flow"}`

	// DefaultMaxUpload caps a single upload.
	DefaultMaxUpload = 50 << 20
)

// ErrTooLarge is returned when an upload exceeds the configured cap.
var ErrTooLarge = errors.New("file exceeds maximum size")

// Service implements the workspace operations on a root directory.
type Service struct {
	root      string
	maxUpload int64
	uploadExt map[string]bool
	exporter  Exporter
	log       *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMaxUpload sets the upload cap in bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithUploadExtensions restricts uploads to the given extensions
// (".csv", ".png", ...). No restriction applies when none are given.
func WithUploadExtensions(exts ...string) Option {
	return func(s *Service) {
		for _, e := range exts {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			if s.uploadExt == nil {
				s.uploadExt = make(map[string]bool)
			}
			s.uploadExt[e] = true
		}
	}
}

// WithExporter sets the flow exporter used by ExportFlow.
func WithExporter(e Exporter) Option {
	return func(s *Service) { s.exporter = e }
}

// NewService creates root if needed and returns a service bound to it.
func NewService(root string, log *logger.Logger, opts ...Option) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	resolved, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	s := &Service{
		root:      resolved,
		maxUpload: DefaultMaxUpload,
		log:       log.WithComponent("workspace"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the resolved workspace root.
func (s *Service) Root() string { return s.root }

func (s *Service) item(path string) PathItem {
	kind := KindFile
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		kind = KindFolder
	}
	return PathItem{Name: filepath.Base(path), Path: Relative(s.root, path), Type: kind}
}

// List returns the entries of parent (the root when empty), folders first.
func (s *Service) List(parent string) ([]PathItem, error) {
	dir := s.root
	if parent != "" {
		var err error
		if dir, err = CheckPath(s.root, parent, Check{MustExist: true, MustBeDir: true}); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	items := make([]PathItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, s.item(filepath.Join(dir, e.Name())))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type == KindFolder
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

// Create adds a new flow file or folder under parent with a unique name.
func (s *Service) Create(parent, kind string) (PathItem, error) {
	dir := s.root
	if parent != "" {
		var err error
		if dir, err = CheckPath(s.root, parent, Check{MustExist: true, MustBeDir: true}); err != nil {
			return PathItem{}, err
		}
	}
	var path string
	switch kind {
	case KindFolder:
		path = filepath.Join(dir, UniqueName(dir, newFolderName, true))
		if err := os.Mkdir(path, 0o755); err != nil {
			return PathItem{}, fmt.Errorf("create folder: %w", err)
		}
	case KindFile:
		path = filepath.Join(dir, UniqueName(dir, newFileName, false))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return PathItem{}, fmt.Errorf("create file: %w", err)
		}
		_, werr := f.WriteString(newFlowBody)
		if err := errors.Join(werr, f.Close()); err != nil {
			return PathItem{}, fmt.Errorf("create file: %w", err)
		}
	default:
		return PathItem{}, badRequest("Error: Invalid item type", nil)
	}
	s.log.Info("created workspace item", zap.String("path", path), zap.String("type", kind))
	return s.item(path), nil
}

// Rename moves oldPath to newPath; the target must not exist.
func (s *Service) Rename(oldPath, newPath string) (PathItem, error) {
	from, err := CheckPath(s.root, oldPath, Check{MustExist: true})
	if err != nil {
		return PathItem{}, err
	}
	to, err := CheckPath(s.root, newPath, Check{MustNotExist: true})
	if err != nil {
		return PathItem{}, err
	}
	if from == s.root {
		return PathItem{}, badRequest("Error: Invalid path", ErrInvalidPath)
	}
	if err := os.Rename(from, to); err != nil {
		return PathItem{}, fmt.Errorf("rename: %w", err)
	}
	return s.item(to), nil
}

// Upload stores r as dir/name. Partial files are removed on failure.
func (s *Service) Upload(dir, name string, r io.Reader) (PathItem, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, invalidPathChars+`/\`) {
		return PathItem{}, badRequest("Error: Invalid file name", ErrInvalidPath)
	}
	if len(s.uploadExt) > 0 && !s.uploadExt[strings.ToLower(filepath.Ext(name))] {
		return PathItem{}, badRequest("Error: Invalid file type", nil)
	}
	target, err := CheckPath(s.root, dir, Check{MustExist: true, MustBeDir: true})
	if err != nil {
		return PathItem{}, err
	}
	path := filepath.Join(target, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return PathItem{}, badRequest("Error: File already exists", err)
	}
	if err != nil {
		return PathItem{}, fmt.Errorf("upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxUpload+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxUpload {
		err = badRequest("Error: File exceeds maximum size", ErrTooLarge)
	}
	if err != nil {
		_ = os.Remove(path)
		var pe *PathError
		if errors.As(err, &pe) {
			return PathItem{}, pe
		}
		return PathItem{}, fmt.Errorf("upload: %w", err)
	}
	s.log.Info("uploaded file", zap.String("path", path), zap.Int64("bytes", n))
	return s.item(path), nil
}

// Delete removes a file or a folder tree and returns a confirmation.
func (s *Service) Delete(path string) (string, error) {
	target, err := CheckPath(s.root, path, Check{MustExist: true})
	if err != nil {
		return "", err
	}
	if target == s.root {
		return "", badRequest("Error: Invalid path", ErrInvalidPath)
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", err
	}
	thing := "File"
	if info.IsDir() {
		thing = "Folder"
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return "", &PathError{Status: http.StatusInternalServerError, Detail: "Failed to delete " + strings.ToLower(thing), Err: err}
	}
	return thing + " deleted successfully", nil
}

// Resolve returns the absolute path of an existing file or folder.
func (s *Service) Resolve(path string) (string, os.FileInfo, error) {
	target, err := CheckPath(s.root, path, Check{MustExist: true})
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(target)
	return target, info, err
}

// WriteZip archives dir into w; entries are prefixed with dir's name.
func (s *Service) WriteZip(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	parent := filepath.Dir(dir)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("archive %s: %w", filepath.Base(dir), err)
	}
	return zw.Close()
}

// ReadText returns a text file's content.
func (s *Service) ReadText(path string) (TextFile, error) {
	target, err := CheckPath(s.root, path, Check{MustExist: true, MustBeFile: true})
	if err != nil {
		return TextFile{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return TextFile{}, err
	}
	return TextFile{Path: Relative(s.root, target), Content: string(data)}, nil
}

// SaveText writes content to path, creating the file when missing.
func (s *Service) SaveText(ctx context.Context, path, content string) (PathItem, error) {
	target, err := CheckPath(s.root, path, Check{})
	if err != nil {
		return PathItem{}, err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return PathItem{}, badRequest("Error: Not a file", nil)
	}
	if err := s.writeFile(ctx, target, []byte(content)); err != nil {
		return PathItem{}, err
	}
	return s.item(target), nil
}

// writeFile replaces target atomically under its file lock.
func (s *Service) writeFile(ctx context.Context, target string, data []byte) error {
	unlock, err := filelock.Lock(ctx, target)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	_ = tmp.Chmod(0o644)
	_, werr := tmp.Write(data)
	if err := errors.Join(werr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save: %w", err)
	}
	return nil
}
