package main

import (
	"github.com/spf13/cobra"

	"vycore/commit"
	"vycore/configsync"
	"vycore/configtree"
	"vycore/internal/failure"
	"vycore/schema"
)

func configSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config-sync",
		Short: "Configuration synchronization",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Send the sections changed by the last commit to the secondary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := newCore()
			if err != nil {
				return err
			}
			s := core.Settings()
			if s.Commit.ArchiveFile == "" {
				return failure.UnconfiguredSubsystem("commit archive is disabled")
			}
			sch, err := schema.Load()
			if err != nil {
				return err
			}
			running, err := configtree.LoadFile(s.Commit.RunningFile)
			if err != nil {
				return err
			}
			archive, err := commit.OpenArchive(s.Commit.ArchiveFile)
			if err != nil {
				return err
			}
			defer archive.Close()
			src := configsync.ArchiveSource{Archive: archive, Session: configtree.NewSession(sch, running, running)}
			return configsync.New().Push(cmd.Context(), src)
		},
	})
	return cmd
}
