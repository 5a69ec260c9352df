package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"maildispatchd/internal/config"
	"maildispatchd/internal/crypto"
	"maildispatchd/internal/queue"
)

// schedulerCmd runs the queue scheduler as its own process, for deployments
// that keep the dispatch workers and the queue scan separate. The singleton
// lock still guarantees at most one scan loop per queue.
func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the queue scheduler as a standalone process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagEnvFile, flagBasePath)
			if err != nil {
				return err
			}
			if !cfg.QueueEnabled {
				return errors.New("queue service is not enabled")
			}
			logger, err := newLogger(cfg.Env)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cipher, err := crypto.NewCipher(cfg.SecretKey, cfg.EncryptMethod)
			if err != nil {
				return err
			}
			store := queue.NewStore(cfg.QueueDir, cfg.ProcessDir, cfg.FullEncrypt, cipher, queue.RetryPolicy{MaxRetry: cfg.MaxRetry}, logger)

			sched := queue.NewScheduler(store, cipher, cfg.Addr, cfg.SSL, cfg.ScanInterval, cfg.BatchSize, cfg.StaleAfter, logger)
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}
