package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fundround/observability/logging"
	telemetry "fundround/observability/otel"
	"fundround/services/roundd/artifacts"
	"fundround/services/roundd/audit"
	"fundround/services/roundd/config"
	"fundround/services/roundd/dispatch"
	"fundround/services/roundd/investments"
	"fundround/services/roundd/kyc"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/locks"
	"fundround/services/roundd/models"
	"fundround/services/roundd/notify"
	"fundround/services/roundd/rails"
	"fundround/services/roundd/rails/bank"
	"fundround/services/roundd/rails/card"
	"fundround/services/roundd/rails/crypto"
	"fundround/services/roundd/recon"
	"fundround/services/roundd/server"
	"fundround/services/roundd/storage"
	"fundround/services/roundd/sweep"
)

const serviceName = "roundd"

func main() {
	var (
		cfgPath string
		debugDB bool
	)
	flag.StringVar(&cfgPath, "config", "services/roundd/config.yaml", "path to roundd configuration file")
	flag.BoolVar(&debugDB, "debug-sql", false, "log every SQL statement")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(serviceName, cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		}),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, debugDB); err != nil {
		slog.Error("fundround/roundd: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, debugDB bool) error {
	db, err := storage.Open(cfg.Database.DSN, storage.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Debug:        debugDB,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	keyed := locks.New()
	roundLedger := ledger.New(db, ledger.WithLocks(keyed))

	gate, err := buildGate(cfg.KYC)
	if err != nil {
		return err
	}

	pool, err := dispatch.New(cfg.Artifacts.Workers, cfg.Artifacts.Timeout.Duration)
	if err != nil {
		return fmt.Errorf("dispatch pool: %w", err)
	}
	defer func() {
		if err := pool.Close(5 * time.Second); err != nil {
			slog.Warn("fundround/roundd: close dispatch pool", "error", err)
		}
	}()

	hub := notify.NewHub(64)
	sinks := notify.Multi{hub}
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		webhook, err := notify.NewWebhook(url, cfg.Notify.RatePerSecond, cfg.Notify.Burst)
		if err != nil {
			return fmt.Errorf("notify webhook: %w", err)
		}
		sinks = append(sinks, notify.NewAsync(webhook, pool))
	}

	directory, err := buildDirectory(cfg.Rails.Crypto.Assets)
	if err != nil {
		return err
	}

	var deposits investments.DepositDirectory
	if directory != nil {
		deposits = directory
	}
	svc, err := investments.NewService(investments.Config{
		DB:            db,
		Ledger:        roundLedger,
		Locks:         keyed,
		KYC:           gate,
		Notifier:      sinks,
		CompanyShares: decimal.NewFromInt(cfg.Company.TotalShares),
		Windows: map[models.PaymentMethod]time.Duration{
			models.MethodCard:         cfg.Reservation.CardWindow.Duration,
			models.MethodCrypto:       cfg.Reservation.CryptoWindow.Duration,
			models.MethodBankTransfer: cfg.Reservation.BankWindow.Duration,
		},
		Deposits:    deposits,
		Beneficiary: cfg.Rails.Bank.BeneficiaryIBAN,
	})
	if err != nil {
		return fmt.Errorf("investments: %w", err)
	}

	generator, err := buildGenerator(cfg.Artifacts)
	if err != nil {
		return err
	}
	dispatcher, err := artifacts.NewDispatcher(artifacts.DispatcherConfig{
		Generator:   generator,
		Recorder:    svc,
		Pool:        pool,
		MaxAttempts: cfg.Artifacts.MaxAttempts,
		Backoff:     cfg.Artifacts.Backoff.Duration,
	})
	if err != nil {
		return fmt.Errorf("artifacts dispatcher: %w", err)
	}

	coordinator, err := recon.NewCoordinator(recon.Config{
		DB:          db,
		Investments: svc,
		Artifacts:   dispatcher,
		Notifier:    sinks,
		Tolerances:  map[string]decimal.Decimal{rails.RailBank: cfg.Rails.Bank.Tolerance.Decimal},
	})
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}

	var watcher *crypto.Watcher
	if directory != nil {
		store, err := crypto.OpenStore(cfg.Rails.Crypto.DedupePath)
		if err != nil {
			return fmt.Errorf("crypto store: %w", err)
		}
		defer store.Close()
		sources, err := buildSources(cfg.Rails.Crypto)
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Rails.Crypto.IPNSecret) == "" {
			slog.Warn("fundround/roundd: crypto ipn webhook refuses notifications, no ipn secret configured")
		}
		watcher, err = crypto.NewWatcher(crypto.WatcherConfig{
			Directory:        directory,
			Bindings:         svc,
			Sources:          sources,
			Store:            store,
			Sink:             coordinator,
			MinConfirmations: cfg.Rails.Crypto.MinConfirmations,
			MaxPending:       cfg.Reservation.CryptoWindow.Duration,
			IPNSecret:        cfg.Rails.Crypto.IPNSecret,
		})
		if err != nil {
			return fmt.Errorf("crypto watcher: %w", err)
		}
	}

	var matcher *bank.Matcher
	if strings.TrimSpace(cfg.Rails.Bank.WebhookSecret) != "" {
		journal, err := bank.OpenJournal(cfg.Rails.Bank.JournalPath)
		if err != nil {
			return fmt.Errorf("bank journal: %w", err)
		}
		defer journal.Close()
		matcher, err = bank.NewMatcher(svc, coordinator, journal, cfg.Rails.Bank.WebhookSecret)
		if err != nil {
			return fmt.Errorf("bank matcher: %w", err)
		}
	} else {
		slog.Warn("fundround/roundd: bank rail disabled, no webhook secret configured")
	}

	var cardAdapter *card.Adapter
	if strings.TrimSpace(cfg.Rails.Card.SigningSecret) != "" {
		cardAdapter, err = card.NewAdapter(card.Config{
			SigningSecret: cfg.Rails.Card.SigningSecret,
			Issuer:        cfg.Rails.Card.Issuer,
		}, coordinator)
		if err != nil {
			return fmt.Errorf("card adapter: %w", err)
		}
	} else {
		slog.Warn("fundround/roundd: card rail disabled, no signing secret configured")
	}

	auditor, err := audit.New(audit.Config{
		DB:         db,
		OutputDir:  cfg.Audit.ReportDir,
		StaleAfter: cfg.Sweep.Interval.Duration * 4,
		Alert: func(_ context.Context, anomaly audit.Anomaly) error {
			slog.Error("fundround/roundd: ledger anomaly",
				"type", anomaly.Type,
				"round", anomaly.Round,
				"details", anomaly.Details)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("auditor: %w", err)
	}

	sweeper, err := sweep.New(sweep.Config{
		Investments:          svc,
		Artifacts:            dispatcher,
		BatchSize:            cfg.Sweep.BatchSize,
		PerInvestmentTimeout: cfg.Sweep.PerInvestmentTimeout.Duration,
		RatePerSecond:        cfg.Sweep.RatePerSecond,
	})
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	jobs, err := sweep.NewManager(time.Minute)
	if err != nil {
		return fmt.Errorf("job manager: %w", err)
	}
	if err := registerJobs(jobs, cfg, sweeper, auditor, watcher); err != nil {
		return err
	}

	api, err := server.New(server.Config{
		DB:          db,
		Investments: svc,
		Ledger:      roundLedger,
		Coordinator: coordinator,
		Crypto:      watcher,
		Bank:        matcher,
		Card:        cardAdapter,
		Hub:         hub,
		AdminToken:  cfg.Admin.Token,
		Ping:        sqlDB.Ping,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	if strings.TrimSpace(cfg.Admin.Token) == "" {
		slog.Warn("fundround/roundd: admin routes disabled, no token configured")
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	grpcListener, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCListen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs.Start()

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("fundround/roundd: http listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		slog.Info("fundround/roundd: grpc health listening", "addr", cfg.GRPCListen)
		if err := grpcServer.Serve(grpcListener); err != nil {
			serverErr <- fmt.Errorf("serve grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("fundround/roundd: shutdown signal received")
	case runErr = <-serverErr:
	}

	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("fundround/roundd: http shutdown", "error", err)
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	if err := jobs.Stop(); err != nil {
		slog.Warn("fundround/roundd: stop jobs", "error", err)
	}
	return runErr
}

func registerJobs(jobs *sweep.Manager, cfg config.Config, sweeper *sweep.Sweeper, auditor *audit.Auditor, watcher *crypto.Watcher) error {
	if err := jobs.Register("expiry-sweep", cfg.Sweep.Interval.Duration, func(ctx context.Context) error {
		_, err := sweeper.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := jobs.Register("artifact-backfill", cfg.Sweep.Interval.Duration*10, func(ctx context.Context) error {
		_, err := sweeper.Backfill(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := jobs.Register("ledger-audit", cfg.Audit.Interval.Duration, func(ctx context.Context) error {
		_, err := auditor.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if watcher == nil {
		return nil
	}
	return jobs.Register("crypto-poll", cfg.Rails.Crypto.PollInterval.Duration, func(ctx context.Context) error {
		_, err := watcher.Poll(ctx)
		return err
	})
}

func buildGate(cfg config.KYCConfig) (kyc.Gate, error) {
	if strings.TrimSpace(cfg.BaseURL) != "" {
		client, err := kyc.NewClient(kyc.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("kyc client: %w", err)
		}
		return client, nil
	}
	slog.Warn("fundround/roundd: using static kyc gate", "allowed_users", len(cfg.Allow))
	gate := kyc.NewStatic()
	for _, user := range cfg.Allow {
		if user = strings.TrimSpace(user); user != "" {
			gate.Allow(user, kyc.Limit{Unlimited: true})
		}
	}
	return gate, nil
}

func buildGenerator(cfg config.ArtifactsConfig) (artifacts.Generator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		slog.Warn("fundround/roundd: artifact generator not configured, using in-memory references")
		return artifacts.NewMemory(), nil
	}
	client, err := artifacts.NewClient(artifacts.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts client: %w", err)
	}
	return client, nil
}

// buildDirectory returns nil when no crypto assets are configured.
func buildDirectory(assets []config.CryptoAsset) (*crypto.Directory, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	entries := make([]crypto.Asset, 0, len(assets))
	for _, asset := range assets {
		entry := crypto.Asset{
			Symbol:   asset.Symbol,
			Chain:    asset.Chain,
			Decimals: asset.Decimals,
			XPub:     asset.XPub,
			Currency: asset.Currency,
		}
		if contract := strings.TrimSpace(asset.Contract); contract != "" {
			if !common.IsHexAddress(contract) {
				return nil, fmt.Errorf("crypto asset %s: invalid contract %q", asset.Symbol, contract)
			}
			entry.Contract = common.HexToAddress(contract)
		}
		entries = append(entries, entry)
	}
	dir, err := crypto.NewDirectory(entries)
	if err != nil {
		return nil, fmt.Errorf("crypto assets: %w", err)
	}
	return dir, nil
}

func buildSources(cfg config.CryptoConfig) (map[string]crypto.Source, error) {
	sources := make(map[string]crypto.Source)
	if url := strings.TrimSpace(cfg.RPCURL); url != "" {
		client, err := crypto.DialEVMClient(url)
		if err != nil {
			return nil, fmt.Errorf("dial evm rpc: %w", err)
		}
		sources[crypto.ChainEthereum] = crypto.NewEVMSource(client)
	}
	if url := strings.TrimSpace(cfg.EsploraURL); url != "" {
		source, err := crypto.NewEsploraSource(url, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("esplora source: %w", err)
		}
		sources[crypto.ChainBitcoin] = source
	}
	return sources, nil
}
