package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/config"
	"github.com/waldiez/studio/internal/common/httpmw"
	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/events"
	gateways "github.com/waldiez/studio/internal/gateway/websocket"
	"github.com/waldiez/studio/internal/kernel"
	"github.com/waldiez/studio/internal/process"
	"github.com/waldiez/studio/internal/restart"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/terminal"
	"github.com/waldiez/studio/internal/workspace"
)

const (
	serviceName     = "waldiez-studio"
	shutdownTimeout = 30 * time.Second
)

// Paths served without the security headers (interactive API docs).
var headerExclusions = []*regexp.Regexp{
	regexp.MustCompile(`^/docs`),
	regexp.MustCompile(`^/redoc`),
}

// services is everything the router needs.
type services struct {
	cfg       *config.Config
	workspace *workspace.Service
	runs      *events.RunRegistry
	gateway   *gateways.Handler
	origins   *httpmw.Origins
	log       *logger.Logger
}

// serve runs the server until ctx ends.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting waldiez studio...", zap.String("version", version), zap.String("root", cfg.Workspace.RootDir))

	provided, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		return err
	}
	defer closeBus()
	runs := events.NewRunRegistry()
	if err := runs.Attach(provided.Bus); err != nil {
		return fmt.Errorf("attach run registry: %w", err)
	}
	defer runs.Close()
	pub := events.NewPublisher(provided.Bus, serviceName, log)

	ctl := process.NewController()
	kernels := kernel.NewManager(
		kernel.NewProcessLauncher(kernel.LaunchConfig{
			Python:     cfg.Python.Interpreter,
			KernelName: cfg.Kernel.Name,
			Dir:        cfg.Workspace.RootDir,
		}, ctl, log),
		cfg.Kernel.IdleTTL(),
		log,
		kernel.WithNotifier(pub.KernelNotifier()),
	)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		kernels.RunReaper(ctx, cfg.Kernel.GCInterval())
	}()

	terminals := terminal.NewRegistry(nil, log)
	defer terminals.CloseAll()

	compiler := engine.NewModuleCompiler(cfg.Python.Interpreter, cfg.Python.FlowModule)
	ws, err := workspace.NewService(cfg.Workspace.RootDir, log,
		workspace.WithMaxUpload(int64(cfg.Workspace.MaxUploadMB)<<20),
		workspace.WithExporter(compiler),
	)
	if err != nil {
		return err
	}

	origins, err := httpmw.NewOrigins(cfg.Server.AllowedOrigins(), cfg.Server.TrustedOriginRegex)
	if err != nil {
		return err
	}

	var onStop func()
	if cfg.Runner.RestartOnStop {
		onStop = func() {
			if err := restart.Process(log); err != nil {
				log.Error("restart after stop failed", zap.Error(err))
			}
		}
	}

	gateway := gateways.NewHandler(ctx, gateways.Options{
		Root:    ws.Root(),
		Origins: origins,
		Engine: engine.Options{
			Python:       cfg.Python.Interpreter,
			FlowModule:   cfg.Python.FlowModule,
			Controller:   ctl,
			Kernels:      kernels,
			Compiler:     compiler,
			Gatherer:     &engine.ModuleGatherer{Python: cfg.Python.Interpreter, Module: cfg.Python.FlowModule},
			CellTimeout:  cfg.Kernel.CellTimeout(),
			ReadyTimeout: cfg.Kernel.ReadyTimeout(),
		},
		Limiter:      runner.NewLimiter(cfg.Runner.MaxActiveRuns),
		Publisher:    pub,
		Executor:     runner.NewModuleExecutor(cfg.Python.Interpreter, cfg.Python.FlowModule, log),
		InputTimeout: cfg.Runner.InputTimeout(),
		Restart:      onStop,
		Terminals:    terminals,
		Logger:       log,
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(&services{
		cfg:       cfg,
		workspace: ws,
		runs:      runs,
		gateway:   gateway,
		origins:   origins,
		log:       log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", server.Addr, err)
		}
	}

	log.Info("Shutting down waldiez studio...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	<-reaperDone
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("waldiez studio stopped")
	return nil
}

func newRouter(s *services) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.Recovery(s.log))
	router.Use(httpmw.RequestLogger(s.log, serviceName))
	router.Use(httpmw.OtelTracing(serviceName, "/health", "/healthz"))
	router.Use(httpmw.TrustedHosts(s.cfg.Server.AllowedHosts()))
	router.Use(httpmw.CORS(s.origins))
	router.Use(httpmw.SecurityHeaders(httpmw.SecurityOptions{
		CSP:      true,
		ForceSSL: s.cfg.Server.ForceSSL,
		Exclude:  headerExclusions,
	}))

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName, "version": version})
	}
	router.GET("/health", health)
	router.GET("/healthz", health)

	api := router.Group("/api")
	workspace.RegisterRoutes(api, s.workspace, s.log)
	events.RegisterRoutes(api, s.runs)

	if s.gateway != nil {
		s.gateway.RegisterRoutes(router)
	}

	router.NoRoute(frontend(s.cfg.Workspace.StaticDir))
	return router
}

// frontend serves the single-page app from dir, falling back to
// index.html for client-side routes. Unknown API paths stay 404.
func frontend(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if dir == "" || strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/ws") ||
			(c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		full := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+p)))
		if serveStatic(c, full) {
			return
		}
		if !serveStatic(c, filepath.Join(dir, "index.html")) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		}
	}
}

// serveStatic writes the regular file at name. http.ServeFile is avoided
// since it rejects request paths containing "..", even after cleaning.
func serveStatic(c *gin.Context, name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	return true
}
