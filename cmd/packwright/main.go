// The packwright binary is the operations companion CLI: inspect platforms,
// sign CI callbacks for testing, probe quotas, and purge builds by hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packwright/packwright/internal/app"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/config"
	"github.com/packwright/packwright/internal/signing"
)

func main() {
	root := &cobra.Command{
		Use:           "packwright",
		Short:         "Packwright operations CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(platformsCmd(), signCmd(), quotaCmd(), purgeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List supported build platforms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			platforms := []build.Platform{
				build.PlatformAndroid, build.PlatformAndroidAPK, build.PlatformIOS,
				build.PlatformHarmonyOS, build.PlatformWindows, build.PlatformMacOS,
				build.PlatformLinux, build.PlatformChrome, build.PlatformWeChat,
			}
			for _, p := range platforms {
				mode := "local"
				if p.RequiresCI() {
					mode = "remote-ci"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %s\n", p, mode, p.ArtifactExt())
			}
			return nil
		},
	}
}

func signCmd() *cobra.Command {
	var buildID string
	var runID int64
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute the CI callback signature for a build and run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			signer := signing.NewSigner([]byte(cfg.CallbackSecret))
			fmt.Fprintln(cmd.OutOrStdout(), signer.Sign(buildID, runID))
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "build id")
	cmd.Flags().Int64Var(&runID, "run", 0, "workflow run id")
	_ = cmd.MarkFlagRequired("build")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota <user-id>",
		Short: "Show a user's remaining daily build quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			check, err := a.Ledger.CheckDaily(cmd.Context(), args[0], 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remaining %d of %d builds today\n", check.Remaining, check.Limit)
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <build-id>",
		Short: "Delete a build's stored artifacts immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Expiry.PurgeBuild(cmd.Context(), args[0])
		},
	}
}

func wire(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, "cli", cfg)
}
