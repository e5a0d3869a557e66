package workspace

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldiez/studio/internal/common/logger"
)

func newRouter(t *testing.T, opts ...Option) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newService(t, opts...)
	r := gin.New()
	RegisterRoutes(r.Group("/api"), svc, logger.Nop())
	return r, svc
}

func do(r http.Handler, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Detail
}

func TestHTTPWorkspaceLifecycle(t *testing.T) {
	r, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/workspace", []byte(`{"type":"folder"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/workspace", []byte(`{"type":"file","parent":"New Folder"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var item PathItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, "New Folder/Untitled.waldiez", item.Path)

	w = do(r, http.MethodPost, "/api/workspace", []byte(`{"type":"socket"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/workspace?parent=New%20Folder", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list PathItemList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []PathItem{item}, list.Items)

	w = do(r, http.MethodGet, "/api/workspace?parent=../..", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Error: Invalid path", detail(t, w))

	w = do(r, http.MethodPost, "/api/workspace/rename",
		[]byte(`{"old_path":"New Folder/Untitled.waldiez","new_path":"demo.waldiez"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/api/flow?path=demo.waldiez", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":"flow"}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/flow?path=demo.waldiez", []byte(`{"contents":{"type":"flow","id":"x"}}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/flow/export?path=demo.waldiez&extension=py", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code, "no exporter configured")

	w = do(r, http.MethodGet, "/api/flow?path=missing.waldiez", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Error: File not found", detail(t, w))

	w = do(r, http.MethodDelete, "/api/workspace?path=demo.waldiez", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"File deleted successfully"}`, w.Body.String())
}

func multipartUpload(t *testing.T, dir, name string, content []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", dir))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestHTTPUploadAndDownload(t *testing.T) {
	r, svc := newRouter(t, WithMaxUpload(16))

	body, ct := multipartUpload(t, "/", "data.txt", []byte("hello"))
	w := do(r, http.MethodPost, "/api/workspace/upload", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body, ct = multipartUpload(t, "/", "big.txt", bytes.Repeat([]byte("x"), 64))
	w = do(r, http.MethodPost, "/api/workspace/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Error: File exceeds maximum size", detail(t, w))

	w = do(r, http.MethodGet, "/api/workspace/download?path=data.txt", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "data.txt")

	require.NoError(t, os.MkdirAll(filepath.Join(svc.Root(), "proj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(svc.Root(), "proj", "a.py"), []byte("print(1)"), 0o644))
	w = do(r, http.MethodGet, "/api/workspace/download?path=proj", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)

	w = do(r, http.MethodGet, "/api/workspace/download?path=nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPTextFilesAndSQLite(t *testing.T) {
	r, svc := newRouter(t)

	w := do(r, http.MethodPost, "/api/workspace/files?path=main.py", []byte(`{"content":"print(1)\n"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(r, http.MethodGet, "/api/workspace/files?path=main.py", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"path":"main.py","content":"print(1)\n"}`, w.Body.String())

	seedDatabase(t, filepath.Join(svc.Root(), "app.sqlite"))
	w = do(r, http.MethodGet, "/api/workspace/sqlite/tables?path=app.sqlite", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"agents"`))

	w = do(r, http.MethodGet, "/api/workspace/sqlite/rows?path=app.sqlite&table=agents&limit=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page TableRows
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Limit)
	assert.Len(t, page.Rows, 1)
	assert.Equal(t, int64(3), page.Total)
}
