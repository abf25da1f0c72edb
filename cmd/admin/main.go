package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chodenet.ai/internal/config"
)

const defaultConfigPath = "./configs/oracle.yaml"

type rootOpts struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Operate a CHODE-NET oracle deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to oracle.yaml")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level")

	root.AddCommand(
		newProcessCmd(opts),
		newTriggerCmd(opts),
		newCycleCmd(),
		newScoreCmd(),
		newTokenCmd(opts),
		newCatalogCmd(),
		newAuditCmd(),
	)
	return root
}

// loadConfig reads the config; a missing default file means defaults plus env.
func (o *rootOpts) loadConfig() (config.Config, error) {
	path := strings.TrimSpace(o.configPath)
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func (o *rootOpts) logger(cfg config.Config) (*zap.Logger, error) {
	l, err := config.NewLogger(cfg.LogLevel, o.debug)
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("component", "admin")), nil
}
