package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/earnledger/internal/api"
	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/logging"
	"github.com/punchamoorthee/earnledger/internal/mpesa"
	"github.com/punchamoorthee/earnledger/internal/service"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/punchamoorthee/earnledger/internal/worker"
	"github.com/sirupsen/logrus"
)

const limiterMaxKeys = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("unable to open store")
	}
	defer st.Close()

	// Initialize Layers
	provider := mpesa.NewClient(mpesa.Config{
		BaseURL:            cfg.Mpesa.BaseURL,
		ConsumerKey:        cfg.Mpesa.ConsumerKey,
		ConsumerSecret:     cfg.Mpesa.ConsumerSecret,
		ShortCode:          cfg.Mpesa.ShortCode,
		Passkey:            cfg.Mpesa.Passkey,
		CallbackURL:        cfg.Mpesa.CallbackURL,
		InitiatorName:      cfg.Mpesa.InitiatorName,
		SecurityCredential: cfg.Mpesa.SecurityCredential,
		ResultURL:          cfg.Mpesa.ResultURL,
		TimeoutURL:         cfg.Mpesa.TimeoutURL,
	}, nil)

	ledger := service.NewLedgerService(st, cfg.Rules, log.WithField("component", "ledger"))
	referrals := service.NewReferralGraph(st, cfg.AppURL, log.WithField("component", "referrals"))
	tasks := service.NewTaskEngine(st, cfg.Rules, log.WithField("component", "tasks"))
	commissions := service.NewCommissionEngine(st, cfg.Rules, log.WithField("component", "commissions"))
	payments := service.NewPaymentReconciler(st, provider, commissions, cfg.Rules, cfg.Worker.PendingPaymentTTL,
		log.WithField("component", "payments"))
	payouts := service.NewPayoutService(st, provider, cfg.Worker.PayoutBatchSize, log.WithField("component", "payouts"))

	dispatcher := service.NewDispatcher(payments, cfg.Worker.CallbackWorkers, cfg.Worker.CallbackQueueSize,
		log.WithField("component", "dispatcher"))
	dispatcher.Start(context.WithoutCancel(ctx))

	limits := api.Limits{
		User:    api.NewRateLimiter(cfg.Worker.UserRPS, cfg.Worker.UserBurst, log),
		Webhook: api.NewRateLimiter(cfg.Worker.WebhookRPS, int(cfg.Worker.WebhookRPS), log),
	}

	sched := worker.NewScheduler(log.WithField("component", "scheduler"))
	jobs := map[string]func(context.Context) error{
		"expire-payments": func(ctx context.Context) error {
			_, err := payments.ExpireStale(ctx)
			return err
		},
		"replay-callbacks": func(ctx context.Context) error {
			_, err := payments.ReplayCallbacks(ctx)
			return err
		},
		"send-payouts": func(ctx context.Context) error {
			_, err := payouts.ProcessPending(ctx)
			return err
		},
		"limiter-cleanup": func(context.Context) error {
			limits.User.Cleanup(limiterMaxKeys)
			limits.Webhook.Cleanup(limiterMaxKeys)
			return nil
		},
	}
	for name, fn := range jobs {
		if err := sched.Add(name, cfg.Worker.SweepSchedule, fn); err != nil {
			log.WithError(err).Fatal("unable to schedule job")
		}
	}
	sched.Start()

	handler := api.NewHandler(api.Services{
		Store:      st,
		Ledger:     ledger,
		Referrals:  referrals,
		Tasks:      tasks,
		Payments:   payments,
		Payouts:    payouts,
		Dispatcher: dispatcher,
	}, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, limits),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	sched.Stop()
	dispatcher.Stop()
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on exit")
		return store.NewMemStore(), nil
	}
	pg, err := store.NewPgStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
