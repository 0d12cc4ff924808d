package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vycore/constant"
	"vycore/migrate"
	"vycore/render"
	"vycore/schema"
)

func newMigrator() (*migrate.Migrator, error) {
	proc, err := newProc()
	if err != nil {
		return nil, err
	}
	sch, err := schema.Load()
	if err != nil {
		return nil, err
	}
	rd, err := render.New(constant.RamdiskDir)
	if err != nil {
		return nil, err
	}
	return migrate.New(proc, rd, sch), nil
}

func migrateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "migrate FILE",
		Short: "Migrate a saved configuration to the versions of this system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			m.Force = force
			res, err := m.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Changed {
				fmt.Println("Configuration is up to date")
				return nil
			}
			if len(res.Applied) > 0 {
				fmt.Printf("Applied: %s\n", strings.Join(res.Applied, ", "))
			}
			fmt.Println(strings.TrimSpace(res.After.String()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run every migration script from version 0")
	cmd.AddCommand(migrateVersionsCmd())
	return cmd
}

func migrateVersionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Print the component versions of this system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			if asJSON {
				data, err := m.SystemJSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(data))
				return err
			}
			fmt.Print(m.Footer().String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
