package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vycore/constant"
	"vycore/internal/failure"
	vycoreAPI "vycore/pkg/vycore-api"
	"vycore/process"
)

var (
	vycoreClient vycoreAPI.Client
	socketPath   string
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vycore",
		Short:         "Router configuration backend",
		Version:       constant.Version + " (" + constant.Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
			vycoreClient = vycoreAPI.NewClientAt(socketPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", vycoreAPI.SocketPath, "vycored socket")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(commitCmd(), migrateCmd(), opCmd(), daemonCmd(), configSyncCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// opError marks errors of operational commands.
type opError struct{ error }

func (e opError) Unwrap() error { return e.error }

// exitCode follows failure.ExitCode, also for errors relayed by vycored.
func exitCode(err error) int {
	var op opError
	operational := errors.As(err, &op)
	var apiErr *vycoreAPI.Error
	if errors.As(err, &apiErr) {
		if operational && apiErr.Kind == failure.KindUnconfiguredSubsystem.String() {
			return 255
		}
		return 1
	}
	return failure.ExitCode(err, operational)
}

func newProc() (*process.Adapter, error) {
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		return nil, err
	}
	return process.New(runner), nil
}
