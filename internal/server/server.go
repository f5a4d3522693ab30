package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/querypilot/querypilot/config"
	agentcaps "github.com/querypilot/querypilot/internal/agent/capabilities"
	agentcore "github.com/querypilot/querypilot/internal/agent/core"
	agenttele "github.com/querypilot/querypilot/internal/agent/telemetry"
	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/queryengine"
	"github.com/querypilot/querypilot/internal/runtime"
	"github.com/querypilot/querypilot/internal/store"
)

func Run(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	cfg := appconfig.LoadConfig("")
	ctx := context.Background()

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	// Event bus: redis for multi-node deployments, memory for single-node dev.
	busOpts := events.Options{
		PollInterval:      cfg.Events.PollInterval,
		InactivityTimeout: cfg.Events.InactivityTimeout,
		TTL:               cfg.Events.TTL,
	}
	var bus events.Bus
	switch cfg.Events.Backend {
	case "", "redis":
		rdb, err := runtime.NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		bus = events.NewRedisBus(rdb, busOpts)
	case "memory":
		bus = events.NewMemoryBus(busOpts)
	default:
		return fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}

	tele := agenttele.NewTelemetry(cfg.Telemetry)
	llmProvider, err := agentcore.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}

	executor := &queryengine.PostgresExecutor{DB: st.DB, Timeout: cfg.Engine.QueryTimeout}
	engine := queryengine.New(llmProvider, cfg.LLM.Routing.Analysis, cfg.LLM.Routing.Correction, executor, cfg.Engine.MaxQueryCorrections)

	registry := capability.NewRegistry()
	if err := agentcaps.RegisterAll(registry, cfg, llmProvider, engine, bus); err != nil {
		return err
	}

	planner := agentcore.NewPlanner(cfg, llmProvider, tele)
	orch := agentcore.NewOrchestrator(cfg, llmProvider, planner, registry, bus, st, st, tele)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth, err := initAuth(ctx, st, secret)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	ch := &ChatHandler{
		Store:  st,
		Orch:   orch,
		Config: cfg,
		Logger: log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
	ch.Register(api.Group("/chat"), secret)

	sh := &StreamHandler{
		Sessions: st,
		Source:   bus,
		Logger:   log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
	sh.Register(api.Group("/stream"), secret)

	caph := &CapabilitiesHandler{Registry: registry}
	caph.Register(api.Group("/capabilities"), secret)

	dh := &DatasetsHandler{Store: st}
	dh.Register(api.Group("/datasets"), secret)

	addr = listenAddr(addr, cfg.Server.Address)
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// listenAddr resolves the listen address: explicit flag wins, then the
// configured address. A bare port from config gets a leading colon; a
// host:port value passes through untouched.
func listenAddr(flagAddr, cfgAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfgAddr == "" {
		return ":10001"
	}
	if !strings.Contains(cfgAddr, ":") {
		return ":" + cfgAddr
	}
	return cfgAddr
}
