package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/httpmw"
	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/events"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/terminal"
	"github.com/waldiez/studio/internal/workspace"
)

// Options wires the handler to the rest of the server.
type Options struct {
	Root    string
	Origins *httpmw.Origins
	Engine  engine.Options
	// Factory builds run engines; nil means engine.New.
	Factory   runner.EngineFactory
	Limiter   *runner.Limiter
	Publisher *events.Publisher

	// Flow runner settings.
	Executor     runner.FlowExecutor
	InputTimeout time.Duration
	Restart      func()

	Terminals *terminal.Registry
	Logger    *logger.Logger
}

// Handler upgrades requests on the execution routes and hands each
// connection to its runner.
type Handler struct {
	base     context.Context
	opts     Options
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a handler. Connections are cancelled when base is.
func NewHandler(base context.Context, o Options) *Handler {
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if o.Origins != nil {
		upgrader.CheckOrigin = o.Origins.CheckWebSocketOrigin
	}
	return &Handler{
		base:     base,
		opts:     o,
		upgrader: upgrader,
		logger:   o.Logger.WithComponent("ws-gateway"),
	}
}

// RegisterRoutes mounts /ws, /ws/run and /ws/terminal.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleFlow)
	router.GET("/ws/run", h.HandleRun)
	router.GET("/ws/terminal", h.HandleTerminal)
}

// connContext lives as long as the request and the server.
func (h *Handler) connContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	stop := context.AfterFunc(h.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Handler) upgrade(c *gin.Context) (*conn, bool) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("origin", c.GetHeader("Origin")),
			zap.Error(err))
		return nil, false
	}
	return newConn(ws), true
}

// HandleRun serves GET /ws/run?path=: an engine run for any supported file.
func (h *Handler) HandleRun(c *gin.Context) {
	path, pathErr := workspace.CheckPath(h.opts.Root, c.Query("path"),
		workspace.Check{MustExist: true, MustBeFile: true})
	ws, ok := h.upgrade(c)
	if !ok {
		return
	}
	if pathErr != nil {
		h.logger.Warn("rejected run connection", zap.String("path", c.Query("path")), zap.Error(pathErr))
		ws.close(gorillaws.ClosePolicyViolation, "Invalid path")
		return
	}
	if h.opts.Factory == nil && !engine.Supported(path) {
		h.logger.Warn("rejected run connection", zap.String("path", path), zap.String("reason", "unsupported extension"))
		ws.close(gorillaws.ClosePolicyViolation, "Unsupported file type")
		return
	}

	ctx, cancel := h.connContext(c)
	defer cancel()

	r := runner.NewTaskRunner(path, ws, runner.TaskOptions{
		Root:      h.opts.Root,
		Engine:    h.opts.Engine,
		Factory:   h.opts.Factory,
		Limiter:   h.opts.Limiter,
		Publisher: h.opts.Publisher,
		Logger:    h.opts.Logger,
	})
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("run connection ended with error", zap.String("task_id", r.TaskID()), zap.Error(err))
	}
	ws.close(gorillaws.CloseNormalClosure, "")
}

// HandleFlow serves GET /ws?path=: the blocking flow runner for .waldiez
// files.
func (h *Handler) HandleFlow(c *gin.Context) {
	path, pathErr := workspace.CheckPath(h.opts.Root, c.Query("path"), workspace.Check{
		MustExist:  true,
		MustBeFile: true,
		Extension:  engine.ExtFlow,
	})
	ws, ok := h.upgrade(c)
	if !ok {
		return
	}
	if pathErr != nil {
		h.logger.Warn("rejected flow connection", zap.String("path", c.Query("path")), zap.Error(pathErr))
		ws.close(gorillaws.ClosePolicyViolation, "Invalid path")
		return
	}

	ctx, cancel := h.connContext(c)
	defer cancel()

	r := runner.NewFlowRunner(path, ws, runner.FlowOptions{
		Root:         h.opts.Root,
		Executor:     h.opts.Executor,
		Limiter:      h.opts.Limiter,
		Publisher:    h.opts.Publisher,
		InputTimeout: h.opts.InputTimeout,
		Restart:      h.opts.Restart,
		Logger:       h.opts.Logger,
	})
	if err := r.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("flow connection ended with error", zap.Error(err))
	}
	ws.close(gorillaws.CloseNormalClosure, "")
}

// unavailable reports a route whose backing service is not configured.
func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"detail": what + " is not available"})
}
