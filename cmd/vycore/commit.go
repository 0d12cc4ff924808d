package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/app"
	"vycore/internal/failure"
	"vycore/opmode"
	"vycore/pkg/vycore-api/types"
)

func loadCandidate(path string) (string, *configtree.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	n, err := configtree.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, failure.Config(nil, "%v", err)
	}
	return string(data), n, nil
}

// localRuntime builds a runtime from the settings file, the way vycored
// does.
func localRuntime() (*app.App, *commit.Runtime, error) {
	proc, err := newProc()
	if err != nil {
		return nil, nil, err
	}
	core := app.New(constant.SettingsFile, proc)
	// no registry: a one-shot commit has nobody to scrape it
	rt, err := app.NewRuntime(core.Settings(), proc, nil)
	if err != nil {
		return nil, nil, err
	}
	return core, rt, nil
}

func printCommit(res types.CommitRes) {
	for _, c := range res.Changes {
		fmt.Println(c)
	}
	if len(res.Jobs) == 0 {
		fmt.Println("No configuration changes to commit")
		return
	}
	if res.Revision != "" {
		fmt.Printf("Revision %s: %s\n", res.Revision, strings.Join(res.Jobs, ", "))
	}
}

func commitCmd() *cobra.Command {
	var viaDaemon bool
	cmd := &cobra.Command{
		Use:   "commit FILE",
		Short: "Commit a candidate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, candidate, err := loadCandidate(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if viaDaemon {
				res, err := vycoreClient.Commit(ctx, text)
				if err != nil {
					return err
				}
				printCommit(res)
				return nil
			}
			return commitLocal(ctx, candidate)
		},
	}
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "commit through vycored")
	cmd.AddCommand(commitListCmd())
	return cmd
}

func commitLocal(ctx context.Context, candidate *configtree.Node) error {
	core, rt, err := localRuntime()
	if err != nil {
		return err
	}
	if rt.Archive != nil {
		defer rt.Archive.Close()
	}
	s := core.Settings()
	res, err := app.CommitFile(ctx, rt, s.Commit.RunningFile, candidate, s.Commit.ArchiveKeep)
	out := types.CommitRes{Revision: res.Revision, Changes: []string{}, Jobs: []string{}}
	for _, c := range res.Changes {
		out.Changes = append(out.Changes, c.String())
	}
	for _, j := range res.Jobs {
		out.Jobs = append(out.Jobs, j.String())
	}
	if err != nil {
		return err
	}
	printCommit(out)
	return nil
}

func commitListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := newCore()
			if err != nil {
				return err
			}
			s := core.Settings()
			if s.Commit.ArchiveFile == "" {
				return opError{failure.UnconfiguredSubsystem("commit archive is disabled")}
			}
			archive, err := commit.OpenArchive(s.Commit.ArchiveFile)
			if err != nil {
				return err
			}
			defer archive.Close()
			revs, err := archive.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if err := opmode.ShowCommits(os.Stdout, revs); err != nil {
				return opError{err}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "revisions to show")
	return cmd
}

func newCore() (*app.App, error) {
	proc, err := newProc()
	if err != nil {
		return nil, err
	}
	return app.New(constant.SettingsFile, proc), nil
}
