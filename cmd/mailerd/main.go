package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "1.0.0"

var (
	flagEnvFile  string
	flagBasePath string
	flagDebug    bool
)

func main() {
	root := &cobra.Command{
		Use:           "mailerd",
		Short:         "JSON-over-TCP mail dispatch service with a durable send queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "path to the env file")
	root.PersistentFlags().StringVar(&flagBasePath, "base-path", ".", "base path for relative queue and template directories")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(serveCmd(), schedulerCmd(), hashPasswordCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(env string) (*zap.SugaredLogger, error) {
	if flagDebug || env == "development" {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
