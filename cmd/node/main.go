package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/api"
	"github.com/cbodonnell/worldcycle/pkg/backoff"
	"github.com/cbodonnell/worldcycle/pkg/config"
	"github.com/cbodonnell/worldcycle/pkg/cycle"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/network"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/cbodonnell/worldcycle/pkg/queue"
	"github.com/cbodonnell/worldcycle/pkg/relocation"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
	"github.com/cbodonnell/worldcycle/pkg/rpc"
	"github.com/cbodonnell/worldcycle/pkg/state"
	"github.com/cbodonnell/worldcycle/pkg/version"
	"github.com/cbodonnell/worldcycle/pkg/workers"
	"github.com/cbodonnell/worldcycle/pkg/world"
	"golang.org/x/sync/errgroup"
)

// restartingHost stops the node when the host accepts a restart request, so
// the supervisor can bring it back up on the new world.
type restartingHost struct {
	*platform.MemoryHost
	stop context.CancelFunc
}

func (h *restartingHost) Restart() error {
	if err := h.MemoryHost.Restart(); err != nil {
		return err
	}
	log.Info("Host restart accepted, shutting down")
	h.stop()
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Log level, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	parsedLogLevel, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	role := cfg.NodeRole()
	log.Info("Starting %s node version %s", role, version.Get())

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		panic(fmt.Sprintf("Failed to create data directory: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	saveWorker := workers.NewSaveWorker(workers.NewSaveWorkerOptions{})

	repository, err := repositories.NewRepository(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open cycle history: %v", err))
	}
	defer repository.Close(context.Background())
	historyWorker := workers.NewHistoryWorker(workers.NewHistoryWorkerOptions{
		Repository: repository,
	})

	stateManager := state.NewFileStateManager(state.NewFileStateManagerOptions{
		Dir:    cfg.DataDir,
		Writer: saveWorker,
	})
	cycleState := stateManager.Load()
	log.Info("Loaded cycle %d with %d attempts since the last win and %d wins",
		cycleState.CycleNumber, cycleState.AttemptsSinceLastWin, cycleState.TotalWins)

	host := &restartingHost{MemoryHost: platform.NewMemoryHost(), stop: stop}
	mainLoop := loop.New(loop.NewLoopOptions{})

	persistentQueue := queue.NewPersistentQueue(queue.NewPersistentQueueOptions{
		Path:     filepath.Join(cfg.DataDir, queue.QueueFile),
		TTL:      cfg.QueueTTL(),
		Capacity: cfg.RPC.QueueCapacity,
	})
	if err := persistentQueue.Load(); err != nil {
		log.Error("Failed to load the RPC queue: %v", err)
	}

	var httpTransport *rpc.HTTPTransport
	if cfg.PeerURL != "" {
		httpTransport = rpc.NewHTTPTransport(rpc.NewHTTPTransportOptions{
			PeerURL: cfg.PeerURL,
			Secret:  cfg.SharedSecret,
			Policy: backoff.Policy{
				MaxRetries: cfg.RPC.MaxRetries,
				Base:       time.Duration(cfg.RPC.BaseDelayMillis) * time.Millisecond,
				Max:        time.Duration(cfg.RPC.MaxDelayMillis) * time.Millisecond,
			},
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			SyncWait:       cfg.SyncWait(),
		})
	} else {
		log.Warn("No peer URL configured, using the relay transport")
	}

	var bridgeClient *network.BridgeClient
	relayOpts := rpc.NewRelayTransportOptions{
		Host:       host,
		Secret:     cfg.SharedSecret,
		TargetNode: cfg.PeerNodeName,
		ChannelID:  cfg.RelayChannel,
	}
	if cfg.RPC.BridgeURL != "" {
		bridgeClient = network.NewBridgeClient(network.NewBridgeClientOptions{
			URL:         cfg.RPC.BridgeURL,
			DialTimeout: cfg.ConnectTimeout(),
		})
		defer bridgeClient.Close()
		relayOpts.Bridge = bridgeClient
	}

	rpcClient := rpc.NewClient(rpc.NewClientOptions{
		HTTP:       httpTransport,
		Relay:      rpc.NewRelayTransport(relayOpts),
		Persistent: persistentQueue,
		Outbound:   queue.NewBoundedQueue[rpc.OutboundFrame](queue.DefaultCapacity),
	})
	log.Info("Peer RPC uses the %s transport", rpcClient.Transport())

	var archiver *world.Archiver
	if cfg.ArchiveRetiredLevel {
		archiver = world.NewArchiver(filepath.Join(cfg.DataDir, "archive"))
	}
	retirer := world.NewRetirer(world.NewRetirerOptions{
		Container:  cfg.WorldContainer,
		LedgerPath: filepath.Join(cfg.DataDir, world.LedgerFile),
		Archiver:   archiver,
	})

	pendingMoves := relocation.NewPendingMoveStore(relocation.NewPendingMoveStoreOptions{
		Path:   filepath.Join(cfg.DataDir, relocation.PendingMovesFile),
		Writer: saveWorker,
	})
	if err := pendingMoves.Load(); err != nil {
		log.Error("Failed to load pending moves: %v", err)
	}

	var orchestrator *cycle.Orchestrator
	router := relocation.NewRouter(relocation.NewRouterOptions{
		Role:       role,
		PeerServer: cfg.PeerNodeName,
		LocalWorld: func() string {
			return orchestrator.CurrentWorld()
		},
	})
	scheduler := relocation.NewScheduler(relocation.NewSchedulerOptions{
		Loop:             mainLoop,
		Host:             host,
		Mover:            router,
		Store:            pendingMoves,
		ScopeToRequester: cfg.ScopeToRequester,
	})

	orchestrator = cycle.NewOrchestrator(cycle.NewOrchestratorOptions{
		Context:              ctx,
		Role:                 role,
		Loop:                 mainLoop,
		Host:                 host,
		State:                stateManager,
		Relocator:            scheduler,
		Notifier:             rpcClient,
		Retirer:              retirer,
		History:              historyWorker,
		DataDir:              cfg.DataDir,
		WorldBaseName:        cfg.WorldBaseName,
		LevelConfigPath:      cfg.LevelConfigPath,
		GenerationMode:       cfg.GenerationMode,
		Seed:                 cfg.Seed,
		RandomSeed:           cfg.RandomSeed,
		ExitCountdownSeconds: cfg.ExitCountdownSeconds,
		VacateTimeout:        cfg.VacateTimeout(),
		ForceGrace:           cfg.ForceGrace(),
		RestartTimeout:       cfg.RestartTimeout(),
		CycleOnDeath:         cfg.CycleOnDeath,
	})
	node := cycle.NewNode(cycle.NewNodeOptions{
		Role:                 role,
		Loop:                 mainLoop,
		Host:                 host,
		State:                stateManager,
		Orchestrator:         orchestrator,
		Relocator:            scheduler,
		Notifier:             rpcClient,
		JoinCountdownSeconds: cfg.JoinCountdownSeconds,
		SyncWait:             cfg.SyncWait(),
	})

	if removed, err := retirer.RetryLedger(orchestrator.CurrentWorld()); err != nil {
		log.Error("Failed to retry retired worlds: %v", err)
	} else if len(removed) > 0 {
		log.Info("Removed %d previously retired worlds", len(removed))
	}

	relayListener := network.NewRelayListener(network.NewRelayListenerOptions{
		Secret:     cfg.SharedSecret,
		ChannelID:  cfg.RelayChannel,
		Dispatcher: node,
	})
	var tls *api.TLSConfig
	if cfg.TLSCertFile != "" {
		tls = &api.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	}
	apiServer := api.NewAPIServer(api.NewAPIServerOptions{
		Addr:               cfg.ListenAddr,
		TLS:                tls,
		Secret:             cfg.SharedSecret,
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		Node:               node,
		Dedupe:             messages.NewDedupe(messages.NewDedupeOptions{}),
		Repository:         repository,
		Bridge: network.NewBridgeServer(network.NewBridgeServerOptions{
			ServerName: cfg.ServerName,
			Listener:   relayListener,
		}),
	})

	playerEventWorker := workers.NewPlayerEventWorker(workers.NewPlayerEventWorkerOptions{
		PlayerEventChan: host.GetPlayerEventChan(),
		Loop:            mainLoop,
		Relocation:      scheduler,
		Cycle:           orchestrator,
	})
	pluginMessageWorker := workers.NewPluginMessageWorker(workers.NewPluginMessageWorkerOptions{
		PluginMessageChan: host.GetPluginMessageChan(),
		Handler:           relayListener,
	})
	queueRetryWorker := workers.NewQueueRetryWorker(workers.NewQueueRetryWorkerOptions{
		Retrier:  rpcClient,
		Interval: cfg.QueueRetryInterval(),
	})
	outboundDrainWorker := workers.NewOutboundDrainWorker(workers.NewOutboundDrainWorkerOptions{
		Drainer:  rpcClient,
		Interval: cfg.DrainInterval(),
	})

	mainLoop.Post(func() {
		scheduler.RetryPending()
		resumed, err := orchestrator.Resume()
		if err != nil {
			log.Error("Failed to resume the interrupted cycle: %v", err)
		} else if resumed {
			log.Info("Resumed cycle %d", stateManager.Get().CycleNumber)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mainLoop.Start(gctx)
	})
	g.Go(func() error {
		return apiServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})
	g.Go(func() error {
		if result, err := rpcClient.RetryQueued(gctx); err != nil {
			log.Error("Failed to retry queued RPCs at startup: %v", err)
		} else if result.Delivered > 0 {
			log.Info("Delivered %d queued RPCs at startup", result.Delivered)
		}
		queueRetryWorker.Start(gctx)
		return nil
	})
	for _, start := range []func(context.Context){
		saveWorker.Start,
		historyWorker.Start,
		outboundDrainWorker.Start,
		playerEventWorker.Start,
		pluginMessageWorker.Start,
	} {
		start := start
		g.Go(func() error {
			start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Node stopped with error: %v", err)
	}

	if err := stateManager.Save(); err != nil {
		log.Error("Failed to save cycle state: %v", err)
	}
	if err := pendingMoves.Save(); err != nil {
		log.Error("Failed to save pending moves: %v", err)
	}
	if pending := saveWorker.Pending(); pending > 0 {
		log.Info("Flushing %d pending writes", pending)
	}
	saveWorker.Flush()
	retirer.Wait()
	log.Info("Node stopped")
}
