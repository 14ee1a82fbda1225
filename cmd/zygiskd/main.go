// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/neozygisk/zygiskd/internal/pkg/buildcfg"
	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/companion"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/daemon"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/dispatch"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/mountns"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/rootimpl"
	"github.com/spf13/cobra"
)

const (
	defaultModulesDir     = "/data/adb/modules"
	defaultSocketDir      = "/dev/socket"
	defaultControllerSock = "/dev/socket/zygote_secondary"
)

var (
	modulesDir     string
	socketPath     string
	controllerSock string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		sylog.Fatalf("%v", err)
	}
}

// rootCmd builds the zygiskd CLI: a bare invocation runs the daemon;
// "version" and "root" are one-shot queries; the hidden "companion" and
// "nsholder" subcommands are the helper roles the daemon re-execs itself
// into, per spec §4.G.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zygiskd",
		Short:         "Zygisk-style module loading daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
	root.PersistentFlags().StringVar(&modulesDir, "modules-dir", defaultModulesDir, "root of the on-disk module tree")
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path for this ABI")
	root.PersistentFlags().StringVar(&controllerSock, "controller-socket", defaultControllerSock, "controller datagram socket (empty disables lifecycle notifications)")

	root.AddCommand(companionCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(rootProbeCmd())
	root.AddCommand(nsholderCmd())
	return root
}

func defaultSocketPath() string {
	if dispatch.Is64Bit() {
		return defaultSocketDir + "/zygiskd-cp64.sock"
	}
	return defaultSocketDir + "/zygiskd-cp32.sock"
}

func runDaemon() error {
	return daemon.Run(daemon.Config{
		ModulesDir:     modulesDir,
		SocketPath:     socketPath,
		ControllerPath: controllerSock,
	})
}

// companionCmd implements the "companion <fd>" hidden role: the daemon
// re-execs itself with an inherited control socket fd and this process
// serves exactly one module's companion registration forever.
func companionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    companion.CompanionArg + " <fd>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd, err := companion.ParseFD(args[0])
			if err != nil {
				return err
			}
			return companion.Serve(fd, modulesDir)
		},
	}
	return cmd
}

// nsholderCmd implements the hidden "nsholder <kind> <anchorPid>" role used
// by mountns.Manager to pin a mount namespace (see the mountns package doc
// comment for why this replaces a literal fork(2)).
func nsholderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    mountns.HolderArg + " <kind> <anchor-pid>",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kindN, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			kind, err := mountns.KindFromByte(uint8(kindN))
			if err != nil {
				return err
			}
			anchorPid, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			// Never returns.
			mountns.RunHolderChild(kind, anchorPid)
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildcfg.Version)
			return nil
		},
	}
}

func rootProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "probe and print the active root implementation",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe := rootimpl.Detect()
			fmt.Printf("%s %d\n", probe.Impl, probe.Version)
			if probe.Impl == rootimpl.None || probe.Impl == rootimpl.Multiple {
				os.Exit(1)
			}
			return nil
		},
	}
}
