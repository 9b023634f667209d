package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/config"
	"github.com/tum-esm/edge-gateway/internal/container"
	"github.com/tum-esm/edge-gateway/internal/filesync"
	"github.com/tum-esm/edge-gateway/internal/gitsrc"
	"github.com/tum-esm/edge-gateway/internal/logpipe"
	"github.com/tum-esm/edge-gateway/internal/loop"
	"github.com/tum-esm/edge-gateway/internal/metrics"
	"github.com/tum-esm/edge-gateway/internal/mqttclient"
	"github.com/tum-esm/edge-gateway/internal/provision"
	"github.com/tum-esm/edge-gateway/internal/router"
	"github.com/tum-esm/edge-gateway/internal/rpc"
	"github.com/tum-esm/edge-gateway/internal/store"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.TBHost, "tb-host", "", "ThingsBoard host (overrides TB_HOST)")
	flag.IntVar(&overrides.TBPort, "tb-port", 0, "ThingsBoard MQTT port (overrides TB_PORT)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides LOG_LEVEL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	base := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log := base
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("edge-gateway starting")

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataPath).Msg("data directory not writable")
	}

	// Context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Force-exit alarm: a shutdown that hangs past 20 s is cut short.
	go func() {
		<-ctx.Done()
		time.AfterFunc(20*time.Second, func() {
			fmt.Fprintln(os.Stderr, "FORCEFUL SHUTDOWN")
			os.Exit(1)
		})
	}()

	// Durable stores. The log buffer comes first so the log pipeline can
	// buffer before the MQTT session exists.
	logsDB, err := store.Open(cfg.LogsBufferDBPath(), store.LogBufferSchema, base.With().Str("component", "logs-db").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log buffer database")
	}
	defer logsDB.Close()

	// Component loggers below carry the pipeline hook: records at or above
	// the threshold are forwarded to the backend, or buffered while the
	// broker is unreachable.
	logs := logpipe.New(base, cfg.LogLevel, logsDB)
	log = base.Hook(logs.Hook())

	queueDB, err := store.Open(cfg.CommunicationQueueDBPath(), store.QueueSchema, log.With().Str("component", "queue-db").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open communication queue database")
	}
	defer queueDB.Close()

	archiveDB, err := store.Open(cfg.ArchiveDBPath(), store.ArchiveSchema, log.With().Str("component", "archive-db").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive database")
	}
	defer archiveDB.Close()

	// Access token: persisted or freshly provisioned. Boot-fatal on failure.
	token, err := provision.GetAccessToken(cfg, log.With().Str("component", "provision").Logger())
	if err != nil {
		log.Error().Err(err).Msg("self-provisioning failed")
		os.Exit(1)
	}
	if token.Provisioned {
		log.Info().Msg("device provisioned, access token persisted")
	}

	// MQTT session.
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		Host:        cfg.TBHost,
		Port:        cfg.TBPort,
		AccessToken: token.AccessToken,
		CACertPath:  cfg.CACertPath,
		Log:         log.With().Str("component", "mqtt").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.TBHost).Int("port", cfg.TBPort).Msg("failed to connect to broker")
	}
	defer mqtt.Close()
	logs.SetPublisher(mqtt)
	logs.Info("Gateway started successfully")
	mqtt.UpdateSysInfoAttribute()

	// Controller lifecycle: git tree + docker daemon.
	docker, err := container.NewDockerClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to docker daemon")
	}
	git := gitsrc.New(cfg.ControllerGitPath, log.With().Str("component", "git").Logger())
	containers := container.NewManager(container.Options{
		Docker:            docker,
		Git:               git,
		Pub:               mqtt,
		DockerContextPath: cfg.ControllerDockerContextPath,
		DockerfilePath:    cfg.ControllerDockerfilePath,
		DataPath:          cfg.ControllerDataPath,
		LogsPath:          cfg.ControllerLogsPath,
		LastLaunchedPath:  cfg.LastLaunchedVersionPath(),
		Log:               log.With().Str("component", "container").Logger(),
	})
	if _, known := containers.LastLaunchedVersion(); !known && cfg.DefaultControllerVersion != "" {
		containers.RecordLastLaunched(cfg.DefaultControllerVersion)
	}

	// File sync engine and its drift daemon.
	files := filesync.New(mqtt, cfg.ControllerDataPath, log.With().Str("component", "filesync").Logger())
	go files.StartDriftWatcher(ctx)

	fatal := func(msg string) { fatalError(log, mqtt, msg) }

	// RPC registry and inbound router. The watchdog-reset hook is bound
	// after the loop exists.
	var mainLoop *loop.Loop
	registry := rpc.NewRegistry(rpc.Options{
		Pub:        mqtt,
		Controller: containers,
		Files:      files,
		Archive:    archiveDB,
		ResetWatchdog: func() {
			if mainLoop != nil {
				mainLoop.ResetWatchdog()
			}
		},
		Log: log.With().Str("component", "rpc").Logger(),
	})
	dispatcher := router.New(router.Options{
		Containers: containers,
		Files:      files,
		RPC:        registry,
		Pub:        mqtt,
		ConfigPath: filepath.Join(cfg.DataPath, "config.json"),
		Log:        log.With().Str("component", "router").Logger(),
	})

	mainLoop = loop.New(loop.Options{
		Queue:             queueDB,
		Archive:           archiveDB,
		Logs:              logsDB,
		Transport:         mqtt,
		Dispatcher:        dispatcher,
		Containers:        containers,
		RestartBackoffMin: cfg.RestartBackoffMin,
		HealthStaleAfter:  cfg.HealthStaleAfter,
		Fatal:             fatal,
		Log:               log.With().Str("component", "loop").Logger(),
	})

	metrics.Serve(cfg.OpsAddr, log.With().Str("component", "ops").Logger())

	mainLoop.Run(ctx)

	log.Info().Msg("GRACEFUL SHUTDOWN")
	mqtt.Close()
	logsDB.Close()
	queueDB.Close()
	archiveDB.Close()
	log.Info().Msg("edge-gateway stopped")
}

// fatalError is the single termination path: it logs, waits 20 s for
// inflight telemetry, raises SIGINT to trigger the graceful shutdown
// machinery (including the force-exit alarm), and exits hard if that never
// completes.
func fatalError(log zerolog.Logger, mqtt *mqttclient.Client, msg string) {
	log.Error().Str("stack", string(debug.Stack())).Msgf("FATAL ERROR: %s", msg)
	time.Sleep(20 * time.Second)
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	time.Sleep(15 * time.Second)
	mqtt.Close()
	os.Exit(1)
}
