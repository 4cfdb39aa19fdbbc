package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rackkey/rackkey/pkg/elog"
	"github.com/rackkey/rackkey/pkg/master"
	"github.com/rackkey/rackkey/pkg/rkconfig"
	"github.com/rackkey/rackkey/pkg/storage"
)

var log elog.Logger

var (
	flagJSON    bool
	flagVerbose bool
	flagDebug   bool
	flagConfig  string
)

// RootCommand is the base of the rackkey command tree.
var RootCommand = &cobra.Command{
	Use:   "rackkey",
	Short: "Rackkey distributed blob store",
	Long: `Rackkey is a distributed blob store. Payloads are chopped into
fixed-size blocks, distributed across a fleet of storage nodes with
consistent hashing, and replicated for availability.

One binary serves both tiers: 'rackkey master' runs the cluster master
and 'rackkey storage' runs a storage node.`,
}

// InitializeCommands sets up logging across all commands and attaches the
// command tree.
func InitializeCommands() {
	RootCommand.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	RootCommand.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	RootCommand.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	RootCommand.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.toml", "path to the cluster config file")

	RootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		logger := &elog.CLI{}

		if flagJSON {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger

		return nil
	}

	RootCommand.AddCommand(masterCmd)
	RootCommand.AddCommand(storageCmd)
	RootCommand.AddCommand(versionCmd)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the cluster master",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rkconfig.Load(flagConfig)
		if err != nil {
			return err
		}

		srv := master.NewServer(cfg, log)
		err = srv.Run(signalContext())
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run a storage node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rkconfig.Load(flagConfig)
		if err != nil {
			return err
		}

		srv, err := storage.NewServer(cfg.Storage, log)
		if err != nil {
			return err
		}
		defer srv.Close()

		err = srv.Run(signalContext())
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s (%s) %s\n", release, commit, date)
	},
}
