package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vycore/opmode"
)

func newOps() (*opmode.Ops, error) {
	proc, err := newProc()
	if err != nil {
		return nil, err
	}
	return opmode.New(proc), nil
}

func opCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "op",
		Short: "Operational commands",
	}
	cmd.AddCommand(opRestartCmd(), opShowCmd())
	return cmd
}

func opRestartCmd() *cobra.Command {
	var vrf string
	var viaDaemon bool
	cmd := &cobra.Command{
		Use:       "restart SERVICE",
		Short:     "Restart a configured service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: opmode.Services(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viaDaemon {
				if err := vycoreClient.Restart(cmd.Context(), args[0], vrf); err != nil {
					return opError{err}
				}
				return nil
			}
			ops, err := newOps()
			if err != nil {
				return err
			}
			if err := ops.Restart(cmd.Context(), args[0], vrf); err != nil {
				return opError{err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vrf, "vrf", "", "VRF the service runs in")
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "restart through vycored")
	return cmd
}

func opShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show operational state",
	}
	show := func(use, short string, run func(cmd *cobra.Command, ops *opmode.Ops, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				ops, err := newOps()
				if err != nil {
					return err
				}
				if err := run(cmd, ops, args); err != nil {
					return opError{err}
				}
				return nil
			},
		}
	}

	cmd.AddCommand(
		show("interfaces", "Show interfaces", func(_ *cobra.Command, ops *opmode.Ops, _ []string) error {
			return ops.ShowInterfaces(os.Stdout)
		}),
		show("version", "Show version", func(_ *cobra.Command, ops *opmode.Ops, _ []string) error {
			return ops.ShowVersion(os.Stdout)
		}),
		show("wlb", "Show WAN load balancer status", func(_ *cobra.Command, ops *opmode.Ops, _ []string) error {
			return ops.ShowWLBStatus(os.Stdout)
		}),
		show("vrrp", "Show VRRP state", func(cmd *cobra.Command, ops *opmode.Ops, _ []string) error {
			return ops.ShowVRRP(cmd.Context(), os.Stdout)
		}),
	)

	wg := show("wireguard INTERFACE", "Show WireGuard peers", func(_ *cobra.Command, ops *opmode.Ops, args []string) error {
		return ops.ShowWireguard(os.Stdout, args[0])
	})
	wg.Args = cobra.ExactArgs(1)

	var raw bool
	ts := show("techsupport", "Collect a tech-support report", func(cmd *cobra.Command, ops *opmode.Ops, _ []string) error {
		return ops.WriteTechSupport(cmd.Context(), os.Stdout, raw)
	})
	ts.Flags().BoolVar(&raw, "raw", false, "print as JSON")

	var remoteRaw bool
	viaDaemon := &cobra.Command{
		Use:   "daemon WHAT",
		Short: "Show operational state as seen by vycored",
		Long:  "WHAT is one of interfaces, version, wlb, vrrp, techsupport or wireguard/INTERFACE.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			what := args[0]
			if remoteRaw {
				what += "?raw=true"
			}
			out, err := vycoreClient.Show(cmd.Context(), what)
			if err != nil {
				return opError{err}
			}
			fmt.Print(out)
			return nil
		},
	}
	viaDaemon.Flags().BoolVar(&remoteRaw, "raw", false, "ask for JSON where supported")

	cmd.AddCommand(wg, ts, viaDaemon)
	return cmd
}
