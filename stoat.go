package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/admin"
	"github.com/stoatdb/stoat/broker"
	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/commitlog"
	"github.com/stoatdb/stoat/hlc"
	"github.com/stoatdb/stoat/id"
	"github.com/stoatdb/stoat/module"
	"github.com/stoatdb/stoat/notify"
	"github.com/stoatdb/stoat/publisher"
	_ "github.com/stoatdb/stoat/publisher/sink"
	"github.com/stoatdb/stoat/scheduler"
	"github.com/stoatdb/stoat/sequencer"
	"github.com/stoatdb/stoat/storage"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/wire"
)

func main() {
	flag.Parse()

	config, err := cfg.Load(*cfg.ConfigPathFlag, *cfg.LocalAddressFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(config)

	log.Info().
		Uint32("replica", config.LocalReplica()).
		Uint32("partition", config.LocalPartition()).
		Str("lock_manager", config.Scheduler.LockManager).
		Msg("Stoat starting")

	if config.Prometheus.Enabled {
		telemetry.Initialize(config.NodeID)
	}

	tracer, err := telemetry.NewTracer(config.DisabledTracingEvents)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid disabled_tracing_events pattern")
	}

	store, err := openStorage(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	fabric, err := broker.Connect(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer fabric.Close()

	pub, err := publisher.New(config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer pub.Close()

	// Ready-txn wakeups: deadlock resolver → scheduler.
	hub := notify.NewHub()
	readySignal, cancelReady := hub.Subscribe()
	defer cancelReady()

	lm, err := scheduler.New(config.Scheduler.LockManager, hub, config.DDRInterval())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lock manager")
	}

	// Sequencer intake and the batch pipeline toward the scheduler.
	sequencerIn, err := fabric.Subscribe(wire.SequencerChannel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe sequencer channel")
	}
	orderedIn, err := fabric.Subscribe(wire.LogManagerChannel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe log manager channel")
	}

	localBatches := make(chan *wire.Batch, 64)
	orderedBatches := make(chan *wire.Batch, 64)

	batcher := sequencer.NewBatcher(config, tracer, localBatches)
	seq := sequencer.New(config, batcher, tracer, fabric, sequencerIn)
	logManager := commitlog.NewManager(orderedIn, localBatches, orderedBatches, pub)
	sched := scheduler.NewScheduler(config, lm, store, tracer, orderedBatches, readySignal)

	runners := []*module.Runner{
		module.NewRunner(seq, 0),
		module.NewRunner(logManager, 0),
		module.NewRunner(sched, 0),
	}
	for _, r := range runners {
		if err := r.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start module")
		}
	}

	if ddr, ok := lm.(*scheduler.DDRLockManager); ok {
		if err := ddr.StartDeadlockResolver(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start deadlock resolver")
		}
		defer ddr.StopDeadlockResolver()
	}

	if config.Admin.Enabled {
		generator := id.NewHLCGenerator(hlc.NewClock(config.NodeID))
		adminServer := admin.NewServer(config, lm, generator, store, fabric)
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().Msg("Stoat started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	for i := len(runners) - 1; i >= 0; i-- {
		runners[i].Stop()
	}
	seq.Stop()
	sched.Stop()
}

func setupLogging(config *cfg.Configuration) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if config.Logging.Format == "json" {
		writer = os.Stdout
	}
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", config.NodeID).
		Logger()

	if config.Logging.Verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}

func openStorage(config *cfg.Configuration) (storage.Store, error) {
	if config.Storage.Backend == "pebble" {
		return storage.OpenPebbleStore(config.Storage.Path)
	}
	return storage.NewMemoryStore(), nil
}
