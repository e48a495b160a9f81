package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kube-reporting/billing-ingest/cmd/helpers"
)

const (
	appName   = "billing-ingest"
	envPrefix = "BILLING_INGEST"
)

// exitError carries a process exit code other than 1 out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "loads cloud billing exports into an analytical database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := helpers.SetFlagsFromEnv(cmd.Flags(), envPrefix); err != nil {
			return fmt.Errorf("error setting flags from environment variables: %v", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Print(appName))
	},
}

func AddCommands() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(periodsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func init() {
	// globally set time to UTC
	time.Local = time.UTC
	addGlobalFlags(rootCmd)
}

func main() {
	AddCommands()
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			log.Warn(ee.msg)
		}
		return ee.code
	}
	log.WithError(err).Error("error executing command")
	return 1
}

func setupSignals() context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		log.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}
