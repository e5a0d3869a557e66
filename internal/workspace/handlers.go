package workspace

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// Handlers exposes a Service over HTTP.
type Handlers struct {
	svc    *Service
	logger *logger.Logger
}

func NewHandlers(svc *Service, log *logger.Logger) *Handlers {
	return &Handlers{svc: svc, logger: log.WithComponent("workspace-handlers")}
}

// RegisterRoutes mounts the workspace, flow and SQLite routes on api.
func RegisterRoutes(api gin.IRouter, svc *Service, log *logger.Logger) {
	h := NewHandlers(svc, log)
	api.GET("/workspace", h.httpList)
	api.POST("/workspace", h.httpCreate)
	api.DELETE("/workspace", h.httpDelete)
	api.POST("/workspace/rename", h.httpRename)
	api.POST("/workspace/upload", h.httpUpload)
	api.GET("/workspace/download", h.httpDownload)
	api.GET("/workspace/files", h.httpReadText)
	api.POST("/workspace/files", h.httpSaveText)
	api.GET("/workspace/sqlite/tables", h.httpTables)
	api.GET("/workspace/sqlite/rows", h.httpRows)
	api.GET("/flow", h.httpGetFlow)
	api.POST("/flow", h.httpSaveFlow)
	api.POST("/flow/export", h.httpExportFlow)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	var pe *PathError
	if errors.As(err, &pe) {
		if pe.Status >= http.StatusInternalServerError {
			h.logger.Error("workspace request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		}
		c.JSON(pe.Status, gin.H{"detail": pe.Detail})
		return
	}
	h.logger.Error("workspace request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error: request failed"})
}

func (h *Handlers) httpList(c *gin.Context) {
	items, err := h.svc.List(c.Query("parent"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PathItemList{Items: items})
}

func (h *Handlers) httpCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	item, err := h.svc.Create(req.Parent, req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) httpRename(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	item, err := h.svc.Rename(req.OldPath, req.NewPath)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) httpDelete(c *gin.Context) {
	msg, err := h.svc.Delete(c.Query("path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: msg})
}

func (h *Handlers) httpUpload(c *gin.Context) {
	// Leave room for the multipart envelope around the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.svc.maxUpload+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Error: File exceeds maximum size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Error: Invalid file"})
		return
	}
	if fh.Size > h.svc.maxUpload {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Error: File exceeds maximum size"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	item, err := h.svc.Upload(c.PostForm("path"), fh.Filename, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) httpDownload(c *gin.Context) {
	target, info, err := h.svc.Resolve(c.Query("path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !info.IsDir() {
		c.FileAttachment(target, info.Name())
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()+".zip"))
	c.Status(http.StatusOK)
	if err := h.svc.WriteZip(c.Writer, target); err != nil {
		// Headers are already sent; all that is left is to log.
		h.logger.Error("failed to stream folder archive", zap.String("path", target), zap.Error(err))
	}
}

func (h *Handlers) httpReadText(c *gin.Context) {
	file, err := h.svc.ReadText(c.Query("path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *Handlers) httpSaveText(c *gin.Context) {
	var req SaveTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	item, err := h.svc.SaveText(c.Request.Context(), c.Query("path"), req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) httpTables(c *gin.Context) {
	tables, err := h.svc.Tables(c.Request.Context(), c.Query("path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	c.JSON(http.StatusOK, TableList{Tables: tables})
}

func (h *Handlers) httpRows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	rows, err := h.svc.Rows(c.Request.Context(), c.Query("path"), c.Query("table"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handlers) httpGetFlow(c *gin.Context) {
	flow, err := h.svc.GetFlow(c.Query("path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", flow)
}

func (h *Handlers) httpSaveFlow(c *gin.Context) {
	var req SaveFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	item, err := h.svc.SaveFlow(c.Request.Context(), c.Query("path"), req.Contents)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) httpExportFlow(c *gin.Context) {
	item, err := h.svc.ExportFlow(c.Request.Context(), c.Query("path"), c.Query("extension"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
