package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/am"
	"github.com/trellisfw/target-helper/doctypes"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/ingest"
	"github.com/trellisfw/target-helper/internal/httpclient"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/metrics"
	"github.com/trellisfw/target-helper/partners"
	"github.com/trellisfw/target-helper/pipeline"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/pulse/lifecycle"
	"github.com/trellisfw/target-helper/server"
	"github.com/trellisfw/target-helper/sharing"
	"github.com/trellisfw/target-helper/signing"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/store/memstore"
	"github.com/trellisfw/target-helper/store/oada"
)

// StartCmd runs the service in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run target-helper",
	Long: `Run target-helper in the foreground.

The service will:
- Serve the pending job queue of pulse.service
- Watch documents, ASNs and trading partners for work to submit
- Sign, link, publish and share the results of successful jobs
- Periodically remove broken links from the pending queue
- Serve /healthz, /metrics and /api/jobs on server.port

Runs until interrupted (Ctrl+C), then drains running jobs.`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Bool("local", false, "Run against an in-memory store instead of store.domain")
	StartCmd.Flags().Int("workers", 0, "Concurrent jobs (overrides pulse.workers)")
	StartCmd.Flags().Int("port", -1, "Status server port (overrides server.port, 0 disables)")
}

// stoppable is anything start tears down on exit
type stoppable func()

func runStart(cmd *cobra.Command, args []string) error {
	local, _ := cmd.Flags().GetBool("local")
	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}
	if port, _ := cmd.Flags().GetInt("port"); port >= 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if !jsonLogs {
		printStartupBanner(cfg, verbosity, local)
	}

	log := logger.Logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Teardown runs in reverse order of startup
	var teardown []stoppable
	defer func() {
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
	}()

	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	teardown = append(teardown, func() { database.Close() })
	ledger := async.NewLedger(database)

	client, closeStore := openStore(cfg, local, log)
	teardown = append(teardown, closeStore)

	signer, err := loadSigner(cfg, local, log)
	if err != nil {
		return err
	}

	collector := metrics.New()
	registry := doctypes.Default()
	index := partners.NewIndex(client, log)
	submitter := async.NewSubmitter(client, log).WithLedger(ledger)

	var planner *sharing.Planner
	if cfg.Sharing.Enabled {
		planner = sharing.NewPlanner(client, registry, index, submitter, cfg.Sharing, log)
	}
	pipe := pipeline.New(client, registry,
		signing.NewService(client, signer, cfg.Signing.SignatureType, cfg.Signing.Trusted, log),
		planner, cfg.Pulse.Service, log).WithObserver(collector)

	controller, err := lifecycle.New(client, cfg.JobTimeout, log)
	if err != nil {
		return errors.Wrap(err, "failed to create lifecycle controller")
	}
	controller.WithRecorder(ledger)

	handlers := async.NewHandlerRegistry()
	pipeline.Register(handlers, controller, pipe)
	worker := async.NewWorker(client, handlers, async.WorkerConfig{
		Service: cfg.Pulse.Service,
		Workers: cfg.Pulse.Workers,
	}, log).WithLedger(ledger).WithObserver(collector)

	if err := worker.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start worker")
	}
	teardown = append(teardown, worker.Stop)

	watchCfg := ingest.DocWatcherConfig{Service: cfg.Pulse.Service, ScanOnStart: cfg.Ingest.ScanOnStart}
	if cfg.Ingest.Documents {
		w := ingest.NewDocWatcher(client, submitter, registry, watchCfg, log).WithObserver(collector)
		if err := w.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start document watcher")
		}
		teardown = append(teardown, w.Stop)
	}
	if cfg.Ingest.ASNs {
		w := ingest.NewASNWatcher(client, submitter, ingest.ASNWatcherConfig{
			Service:     cfg.Pulse.Service,
			ScanOnStart: cfg.Ingest.ScanOnStart,
		}, log).WithObserver(collector)
		if err := w.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start asn watcher")
		}
		teardown = append(teardown, w.Stop)
	}
	if cfg.Ingest.TradingPartners {
		r := ingest.NewPartnerRegistry(client, submitter, registry, index, watchCfg, log).WithObserver(collector)
		if err := r.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start trading partner registry")
		}
		teardown = append(teardown, r.Stop)
	}
	if interval := cfg.HealInterval(); interval > 0 {
		h := ingest.NewHealer(client, cfg.Pulse.Service, interval, log).WithObserver(collector)
		h.Start(ctx)
		teardown = append(teardown, h.Stop)
	}

	if cfg.Server.Port > 0 {
		srv := server.New(server.Config{Port: cfg.Server.Port}, ledger, worker, collector, log)
		if err := srv.Start(); err != nil {
			return err
		}
		teardown = append(teardown, func() {
			if err := srv.Stop(); err != nil {
				log.Warnw("status server did not drain", logger.FieldError, err)
			}
		})
	}

	if stopWatch := watchConfig(controller, log); stopWatch != nil {
		teardown = append(teardown, stopWatch)
	}

	log.Infow("target-helper started", logger.FieldService, cfg.Pulse.Service, "local", local)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan

	fmt.Println()
	log.Warnw("shutting down, draining running jobs")
	return nil
}

// openStore returns the store client and its close function
func openStore(cfg *am.Config, local bool, log *zap.SugaredLogger) (store.Client, stoppable) {
	if local {
		return memstore.New(log), func() {}
	}
	hc := httpclient.NewSaferClient(time.Duration(cfg.Store.TimeoutSeconds)*time.Second, httpclient.Options{
		Token:          cfg.Store.Token,
		BlockPrivateIP: cfg.Store.BlockPrivateIP,
	})
	client := oada.New(oada.Config{
		BaseURL:           cfg.StoreURL(),
		WSPath:            cfg.Store.WSPath,
		RequestsPerSecond: cfg.Store.RequestsPerSec,
	}, hc, log)
	return client, func() {
		if err := client.Close(); err != nil {
			log.Warnw("failed to close store connection", logger.FieldError, err)
		}
	}
}

// loadSigner reads signing.key_path. Local runs without a key get a
// throwaway one.
func loadSigner(cfg *am.Config, local bool, log *zap.SugaredLogger) (*signing.Signer, error) {
	info := signing.SignerInfo{Name: cfg.Signing.SignerName, URL: cfg.Signing.SignerURL}
	if cfg.Signing.KeyPath != "" {
		key, err := signing.LoadKey(cfg.Signing.KeyPath)
		if err != nil {
			return nil, err
		}
		return signing.NewSigner(key, info), nil
	}
	if !local {
		return nil, errors.New("signing.key_path is required (or run with --local)")
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate signing key")
	}
	signer := signing.NewSigner(key, info)
	log.Warnw("no signing key configured, using an ephemeral key", "kid", signer.DID)
	return signer, nil
}

// watchConfig re-applies job timeouts when the config file changes. It
// returns nil when no config file is in use.
func watchConfig(controller *lifecycle.Controller, log *zap.SugaredLogger) stoppable {
	path := am.GetViper().ConfigFileUsed()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path, log)
	if err != nil {
		log.Warnw("config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		controller.SetTimeouts(cfg.JobTimeout)
		log.Infow("job timeouts reloaded", logger.FieldPath, path)
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return func() {
		if err := watcher.Stop(); err != nil {
			log.Warnw("failed to stop config watcher", logger.FieldError, err)
		}
	}
}
