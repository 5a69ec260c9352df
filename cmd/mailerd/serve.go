package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"maildispatchd/internal/auth"
	"maildispatchd/internal/config"
	"maildispatchd/internal/crypto"
	"maildispatchd/internal/dispatch"
	"maildispatchd/internal/mailer"
	"maildispatchd/internal/notification"
	"maildispatchd/internal/queue"
	ratelimiter "maildispatchd/internal/rateLimiter"
	"maildispatchd/internal/server"
	"maildispatchd/internal/template"
)

// components is the request-handling graph built from one Config. A reload
// builds a fresh one and swaps it in whole.
type components struct {
	handler  *server.Handler
	queue    *queue.Store
	cipher   *crypto.Cipher
	notifier *notification.SlackNotifier
}

func buildComponents(cfg config.Config, logger *zap.SugaredLogger) (*components, error) {
	var (
		cipher *crypto.Cipher
		qs     *queue.Store
		err    error
	)
	if cfg.QueueEnabled {
		cipher, err = crypto.NewCipher(cfg.SecretKey, cfg.EncryptMethod)
		if err != nil {
			return nil, err
		}
		qs = queue.NewStore(cfg.QueueDir, cfg.ProcessDir, cfg.FullEncrypt, cipher, queue.RetryPolicy{MaxRetry: cfg.MaxRetry}, logger)
	}

	ts := template.NewStore(cfg.TemplateDir, cfg.TagOpen, cfg.TagClose, logger)
	sender := mailer.NewSMTPSender(cfg.SMTP, cfg.FromAddr, cfg.FromName, cfg.HTMLMail, logger)
	notifier := notification.NewSlackNotifier(cfg.Slack, logger)
	router := dispatch.NewRouter(cfg, qs, ts, sender, notifier, logger)

	return &components{
		handler: &server.Handler{
			Router:       router,
			Verifier:     auth.NewVerifier(cfg.AuthHash),
			Cipher:       cipher,
			AuthRequired: cfg.AuthRequired,
		},
		queue:    qs,
		cipher:   cipher,
		notifier: notifier,
	}, nil
}

func serveCmd() *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mail dispatch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagEnvFile, flagBasePath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Env)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cfg, withScheduler, logger)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", true, "run the queue scheduler inside this process")
	return cmd
}

func runServe(cfg config.Config, withScheduler bool, logger *zap.SugaredLogger) error {
	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	var limiter ratelimiter.Limiter = ratelimiter.Unlimited{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimiter.NewFixedWindowLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)
	}

	srv := server.New(cfg, comps.handler, limiter, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	var ops *server.Ops
	if cfg.OpsAddr != "" {
		ops = server.NewOps(cfg.OpsAddr, version, cfg.Env, comps.queue, logger)
		ops.Start()
	}

	var sched *queue.Scheduler
	if withScheduler && cfg.QueueEnabled {
		sched = queue.NewScheduler(comps.queue, comps.cipher, srv.Addr(), cfg.SSL, cfg.ScanInterval, cfg.BatchSize, cfg.StaleAfter, logger)
		if err := sched.Start(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	stop := func() {
		if sched != nil {
			sched.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if ops != nil {
			_ = ops.Shutdown(ctx)
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorw("shutdown did not drain cleanly", "error", err)
		}
	}

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				next, err := config.Load(flagEnvFile, flagBasePath)
				if err != nil {
					logger.Errorw("reload failed, keeping current configuration", "error", err)
					continue
				}
				nc, err := buildComponents(next, logger)
				if err != nil {
					logger.Errorw("reload failed, keeping current configuration", "error", err)
					continue
				}
				srv.Swap(nc.handler)
				comps = nc

				// the scheduler holds the old store and interval, so it is
				// rebuilt alongside the handler graph
				if sched != nil {
					sched.Stop()
					sched = nil
				}
				if withScheduler && next.QueueEnabled {
					sched = queue.NewScheduler(comps.queue, comps.cipher, srv.Addr(), next.SSL, next.ScanInterval, next.BatchSize, next.StaleAfter, logger)
					if err := sched.Start(); err != nil {
						logger.Errorw("queue scheduler did not restart after reload", "error", err)
						sched = nil
					}
				}
				logger.Info("configuration reloaded")
				continue
			}
			logger.Infow("signal received, shutting down", "signal", sig.String())
			stop()
			<-errCh
			return nil

		case err := <-errCh:
			stop()
			if errors.Is(err, server.ErrRestart) {
				// exit non-zero and let the supervisor bring up a fresh process
				comps.notifier.ServiceRestarting(err.Error())
			}
			return err
		}
	}
}
