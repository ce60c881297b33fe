// Command loanbridged runs the fiat-to-chain loan bridge service: the
// durable action pipeline, the fiat payout/repayment state machines, the
// installment schedule and accrual engines, reconciliation, the circuit
// breaker, and the HTTP surface that fronts all of it.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nhb-labs/loanbridge/internal/accrual"
	"github.com/nhb-labs/loanbridge/internal/api"
	"github.com/nhb-labs/loanbridge/internal/breaker"
	"github.com/nhb-labs/loanbridge/internal/chainsender"
	"github.com/nhb-labs/loanbridge/internal/config"
	"github.com/nhb-labs/loanbridge/internal/fiat"
	"github.com/nhb-labs/loanbridge/internal/loans"
	"github.com/nhb-labs/loanbridge/internal/logging"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/recon"
	"github.com/nhb-labs/loanbridge/internal/schedule"
	"github.com/nhb-labs/loanbridge/internal/scheduler"
	"github.com/nhb-labs/loanbridge/internal/store"
	"github.com/nhb-labs/loanbridge/internal/telemetry"
	"github.com/nhb-labs/loanbridge/internal/webhook"
)

func main() {
	env := strings.TrimSpace(os.Getenv("LOANBRIDGE_ENV"))
	logger := logging.Setup("loanbridged", env)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "loanbridged",
		Environment: env,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store open: %v", err)
	}
	db := st.DB

	sender := newChainSender(cfg)

	dispatcher := pipeline.NewDispatcher(db, sender, cfg.SignerAddress, cfg.ChainID,
		pipeline.WithPeriods(cfg.SenderPeriod, cfg.ReceiptPeriod, cfg.StuckPeriod, cfg.StuckTxThreshold),
		pipeline.WithMaxNonceDrift(cfg.MaxNonceDrift),
		pipeline.WithGasStrategy(pipeline.GasStrategy{BumpFactorBps: cfg.GasBumpFactorBps}))

	disbursement := fiat.NewDisbursementMachine(db, dispatcher)
	repayment := fiat.NewRepaymentMachine(db, dispatcher)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dispatcher.ReconcileNonce(startupCtx); err != nil {
		cancelStartup()
		log.Fatalf("dispatcher nonce reconciliation: %v", err)
	}
	if err := dispatcher.RecoverStartup(startupCtx); err != nil {
		cancelStartup()
		log.Fatalf("dispatcher startup recovery: %v", err)
	}
	cancelStartup()

	accrualJob := accrual.NewJob(db, logger, nil)

	brkCfg, err := loadBreakerConfig(cfg.BreakerConfigPath)
	if err != nil {
		log.Fatalf("breaker config: %v", err)
	}
	brk := breaker.New(db, brkCfg)

	scheduleSvc := schedule.NewService(db, dispatcher)
	loanSvc := loans.NewService(db, dispatcher, brk, scheduleSvc)

	wireCallbacks(loanSvc, dispatcher, disbursement, repayment)

	reconciler := recon.New(recon.Config{DB: db, Log: logger, Alert: func(ctx context.Context, incident models.ReconIncident) error {
		logger.WarnContext(ctx, "recon: incident raised",
			"kind", incident.Kind, "loan_id", incident.LoanID, "detail", incident.Detail)
		// HIGH/CRITICAL incidents open a BreakerIncident for the loan's
		// partner; a CRITICAL one halts new origination until an operator
		// resolves it.
		if _, err := brk.RaiseReconIncident(ctx, incident); err != nil {
			return err
		}
		return nil
	}})
	dailyReport := recon.NewDailyReportBuilder(db)
	settlementChecker := recon.NewSettlementChecker(db)

	wh := webhook.NewHandler(db, disbursement, repayment, cfg.WebhookSecrets, logger)

	srv := api.NewServer(db, dispatcher, brk, wh, logger)

	sched, err := scheduler.New(scheduler.Jobs{
		Accrual: func(ctx context.Context) error {
			summary, err := accrualJob.Run(ctx)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "accrual: run complete",
				"evaluated", summary.EntriesEvaluated, "accrued", summary.EntriesAccrued)
			return nil
		},
		DelinquencyReview: func(ctx context.Context) error {
			metrics, err := breaker.ComputeDailyMetrics(ctx, db)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "delinquency review: metrics computed", "partners", len(metrics))
			return nil
		},
		BreakerFeed: brk.Feed,
		Reconciliation: func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		},
		DailyReport: func(ctx context.Context) error {
			_, err := dailyReport.Build(ctx)
			return err
		},
		Settlement: func(ctx context.Context) error {
			_, err := settlementChecker.Run(ctx)
			return err
		},
	}, logger)
	if err != nil {
		log.Fatalf("scheduler init: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(rootCtx)
	go sched.Start(rootCtx)

	handler := otelhttp.NewHandler(srv.Router(cfg.AdminAPIKey), "loanbridged")
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.AdminIdleTimeout,
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "http server shutdown error", "err", err.Error())
		}
	}()

	logger.Info("loanbridged starting", "addr", httpServer.Addr, "env", env)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server error: %v", err)
	}
}

// newChainSender builds the production RPC-backed Sender from the chain RPC
// base URL and a signer-scoped API key/secret pair, read directly from the
// environment since they are credentials, not general service
// configuration.
func newChainSender(cfg *config.Config) chainsender.Sender {
	apiKey := os.Getenv("LOANBRIDGE_CHAIN_API_KEY")
	apiSecret := os.Getenv("LOANBRIDGE_CHAIN_API_SECRET")
	return chainsender.NewRPCSender(cfg.ChainRPCBase, apiKey, apiSecret)
}

// loadBreakerConfig reads the circuit breaker's YAML config if a path is
// configured, otherwise starts from threshold defaults.
func loadBreakerConfig(path string) (breaker.Config, error) {
	if strings.TrimSpace(path) == "" {
		return breaker.Config{DelinquencySpikeBps: 2000, PartnerDefaultSpikeBps: 1000}, nil
	}
	return breaker.LoadConfig(path)
}

// wireCallbacks attaches the action pipeline's post-mine hooks into the
// loan and fiat services. The dependency stays one-directional (pipeline
// exposes Enqueue; loan and fiat depend on it, never the reverse), so the
// callbacks are registered here in main, not inside either package.
func wireCallbacks(loanSvc *loans.Service, d *pipeline.Dispatcher, disbursement *fiat.DisbursementMachine, repayment *fiat.RepaymentMachine) {
	d.SetCallbacks(pipeline.Callbacks{
		OnLoanTransitioned: func(ctx context.Context, loanID, contractAddress string) {
			if err := loanSvc.SetContractAddress(ctx, loanID, contractAddress); err != nil {
				log.Printf("loan transitioned callback: %v", err)
			}
		},
		OnFiatRecordConfirmed: func(ctx context.Context, loanID string) {
			if err := disbursement.OnRecordDisbursementConfirmed(ctx, loanID); err != nil {
				log.Printf("disbursement record confirmed callback: %v", err)
			}
		},
		OnActivationConfirmed: func(ctx context.Context, loanID string) {
			if err := disbursement.OnActivateLoanConfirmed(ctx, loanID); err != nil {
				log.Printf("activate loan confirmed callback: %v", err)
				return
			}
			if err := loanSvc.MarkActive(ctx, loanID); err != nil {
				log.Printf("loan activation projection update: %v", err)
			}
		},
		OnFiatRepayConfirmed: func(ctx context.Context, loanID string) {
			if err := repayment.OnRepayConfirmed(ctx, loanID); err != nil {
				log.Printf("repay confirmed callback: %v", err)
			}
		},
	})
}
