package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

// FlowExt is the extension of flow documents.
const FlowExt = ".waldiez"

// Exporter converts a flow document to a script or notebook.
type Exporter interface {
	Export(ctx context.Context, src, dest string) error
}

func (s *Service) flowPath(path string) (string, error) {
	return CheckPath(s.root, path, Check{MustExist: true, MustBeFile: true, Extension: FlowExt})
}

// GetFlow returns a flow document as JSON.
func (s *Service) GetFlow(path string) (json.RawMessage, error) {
	target, err := s.flowPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err == nil && !json.Valid(data) {
		err = errInvalidJSON
	}
	if err != nil {
		s.log.Error("failed to read flow", zap.String("path", target), zap.Error(err))
		return nil, &PathError{Status: http.StatusInternalServerError, Detail: "Error: Could not read the flow contents", Err: err}
	}
	return json.RawMessage(data), nil
}

var errInvalidJSON = errors.New("flow is not valid JSON")

// SaveFlow stores contents, given either as a JSON document or as a JSON
// string holding the document text.
func (s *Service) SaveFlow(ctx context.Context, path string, contents json.RawMessage) (PathItem, error) {
	target, err := s.flowPath(path)
	if err != nil {
		return PathItem{}, err
	}
	data := bytes.TrimSpace(contents)
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		data = []byte(text)
	}
	if err := s.writeFile(ctx, target, data); err != nil {
		s.log.Error("failed to save flow", zap.String("path", target), zap.Error(err))
		return PathItem{}, &PathError{Status: http.StatusInternalServerError, Detail: "Error: Could not save the flow", Err: err}
	}
	return s.item(target), nil
}

// ExportFlow converts the flow at path to a sibling .py or .ipynb file.
func (s *Service) ExportFlow(ctx context.Context, path, extension string) (PathItem, error) {
	extension = strings.TrimPrefix(extension, ".")
	if extension != "py" && extension != "ipynb" {
		return PathItem{}, &PathError{Status: http.StatusUnprocessableEntity, Detail: "Invalid extension"}
	}
	target, err := s.flowPath(path)
	if err != nil {
		return PathItem{}, err
	}
	if s.exporter == nil {
		return PathItem{}, &PathError{Status: http.StatusInternalServerError, Detail: "Error: Export is not available"}
	}
	dest := strings.TrimSuffix(target, FlowExt) + "." + extension
	if err := s.exporter.Export(ctx, target, dest); err != nil {
		s.log.Error("failed to export flow", zap.String("path", target), zap.Error(err))
		return PathItem{}, &PathError{Status: http.StatusInternalServerError, Detail: err.Error(), Err: err}
	}
	return s.item(dest), nil
}
