package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Talk to vycored",
	}
	cmd.AddCommand(daemonLogsCmd(), daemonLogLevelCmd(), daemonSaveCmd(), daemonReloadCmd())
	return cmd
}

func daemonLogsCmd() *cobra.Command {
	var level string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print buffered daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := vycoreClient.Logs(cmd.Context(), level, limit)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			table.SetHeader([]string{"Time", "Level", "Component", "Message", "Error"})
			for _, e := range logs {
				table.Append([]string{e.Time.Local().Format("2006-01-02 15:04:05"), e.Level, e.Component, e.Message, e.Error})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "minimum level")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "entries to print")
	return cmd
}

func daemonLogLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [LEVEL]",
		Short: "Print or change the daemon log level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return vycoreClient.SetLogLevel(cmd.Context(), args[0])
			}
			level, err := vycoreClient.LogLevel(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(level)
			return nil
		},
	}
}

func daemonSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write the daemon settings to disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vycoreClient.SaveConfig(cmd.Context())
		},
	}
}

func daemonReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the daemon settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vycoreClient.Reload(cmd.Context())
		},
	}
}
