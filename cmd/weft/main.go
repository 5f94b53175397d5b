package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/planner"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/retention"
	"github.com/weftworks/weft/internal/router"
	"github.com/weftworks/weft/internal/server"
	"github.com/weftworks/weft/internal/state/store"
	"github.com/weftworks/weft/internal/tools"
	"github.com/weftworks/weft/internal/tools/luatool"
	"github.com/weftworks/weft/internal/version"
)

const (
	defaultAddr       = ":8080"
	defaultThreshold  = 0.6
	defaultCrossLang  = 0.5
	defaultLLMTimeout = 30 * time.Second
	defaultRetention  = 7 * 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "weft.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log.Printf("weft: %s", version.Get())
	if err := run(cfg, *configPath); err != nil {
		log.Fatalf("weft: %v", err)
	}
}

func run(cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	crossLang := cfg.Routing.CrossLangScale
	if crossLang <= 0 {
		crossLang = defaultCrossLang
	}
	rt := router.New(routesFromConfig(cfg.Routing.Tools), crossLang)

	pub := events.NewPublisher()
	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		nodeID := cfg.Events.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		relay := events.NewRelay(rdb, pub, nodeID)
		go relay.Run(ctx)
		log.Printf("weft: relaying events through redis at %s as node %s", cfg.Events.RedisAddr, nodeID)
	}

	if p := engine.FailurePolicy(cfg.Engine.DefaultPolicy); p != "" && !engine.ValidPolicy(p) {
		return fmt.Errorf("engine.default_policy: unknown policy %q", p)
	}

	promReg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promReg)

	eng := engine.New(reg, pub, engine.Config{
		StepConcurrency: cfg.Engine.StepConcurrency,
		WorkerPool:      cfg.Engine.WorkerPool,
		StepTimeout:     config.Duration(cfg.Engine.StepTimeout, 0),
		WorkflowTimeout: config.Duration(cfg.Engine.WorkflowTimeout, 0),
		DefaultPolicy:   engine.FailurePolicy(cfg.Engine.DefaultPolicy),
	})
	defer eng.Close()
	eng.SetMetrics(metrics)

	var snapshots server.SnapshotReader
	var storePurger retention.StorePurger
	if cfg.Store.DSN != "" {
		db, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		ws := store.NewWorkflowStore(db)
		eng.SetRecorder(ws)
		snapshots = ws
		storePurger = ws
	}

	var completer planner.Completer
	if cfg.LLM.Model != "" {
		completer = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	} else {
		log.Printf("weft: no llm model configured, plan synthesis uses fallback templates only")
	}
	pl := planner.New(completer, reg,
		config.Duration(cfg.Planner.LLMTimeout, defaultLLMTimeout),
		fallbacksFromConfig(cfg.Planner.Fallbacks))

	if cfg.Retention.TTL != "" {
		schedule := cfg.Retention.Schedule
		if schedule == "" {
			schedule = "@hourly"
		}
		sweeper, err := retention.New(schedule, config.Duration(cfg.Retention.TTL, defaultRetention), storePurger, eng)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Routing tables are hot-reloadable; everything else needs a restart.
	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			rt.Reload(routesFromConfig(next.Routing.Tools))
		})
		if err != nil {
			log.Printf("weft: config watch: %v", err)
		}
	}()

	threshold := cfg.Routing.ConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	srv := server.New(rt, pl, eng, pub, snapshots,
		promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), threshold)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = defaultAddr
	}
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		log.Printf("weft: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("weft: listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	if err := reg.Register(tools.CommandDescriptor(), &tools.CommandExecutor{WorkDir: cfg.Tools.CommandWorkDir}); err != nil {
		return nil, err
	}
	if err := reg.Register(tools.HTTPDescriptor(), &tools.HTTPExecutor{}); err != nil {
		return nil, err
	}
	if cfg.Tools.LuaScriptsDir != "" {
		luaExec := luatool.New(cfg.Tools.LuaScriptsDir)
		desc, err := luaExec.Describe("lua", "Lua scripted actions")
		if err != nil {
			return nil, err
		}
		if err := reg.Register(desc, luaExec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func routesFromConfig(routes []config.ToolRoutes) []router.ToolRoutes {
	out := make([]router.ToolRoutes, 0, len(routes))
	for _, tr := range routes {
		patterns := make([]router.Pattern, 0, len(tr.Patterns))
		for _, p := range tr.Patterns {
			patterns = append(patterns, router.Pattern{
				Phrase: p.Phrase,
				Weight: p.Weight,
				Lang:   p.Lang,
			})
		}
		out = append(out, router.ToolRoutes{
			Tool:     tr.Tool,
			Priority: float64(tr.Priority),
			Patterns: patterns,
		})
	}
	return out
}

func fallbacksFromConfig(fallbacks map[string]config.FallbackTemplate) map[string]planner.FallbackTemplate {
	out := make(map[string]planner.FallbackTemplate, len(fallbacks))
	for tool, fb := range fallbacks {
		out[tool] = planner.FallbackTemplate{
			Action:     fb.Action,
			Parameters: fb.Parameters,
		}
	}
	return out
}
