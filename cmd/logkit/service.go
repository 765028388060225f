package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/logkit/pkg/daemon/service"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/manifest/presets"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(manifestCmd)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the logkitd systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start logkitd as a systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.Install(ctx); err != nil {
			return err
		}
		path, _ := service.UnitPath()
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s ✓\n", path)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the logkitd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.Uninstall(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "uninstalled ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the logkitd service state",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(ctx, socketPath))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Manifest ---

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage logkit.yaml manifest",
}

var (
	manifestInitRoot    string
	manifestInitOutput  string
	manifestInitPackage string
)

var manifestInitCmd = &cobra.Command{
	Use:   "init <preset>",
	Short: "Generate a logkit.yaml manifest",
	Long:  "Available presets: camera (com.android.camera), app (any --package; picks up keywords.json from --root).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := presets.Generate(args[0], manifestInitRoot, manifestInitPackage)
		if err != nil {
			return err
		}
		if err := manifest.Save(m, manifestInitOutput); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Generated %s for %s\n", manifestInitOutput, m.Package)
		rules, err := m.Rules()
		if err == nil {
			for _, r := range rules {
				fmt.Fprintf(out, "  %s (%s)\n", r.Keyword, r.Color)
			}
		}
		return nil
	},
}

func init() {
	manifestInitCmd.Flags().StringVar(&manifestInitRoot, "root", ".", "project root directory")
	manifestInitCmd.Flags().StringVar(&manifestInitOutput, "output", manifest.FileName, "output file path")
	manifestInitCmd.Flags().StringVarP(&manifestInitPackage, "package", "p", "", "application id for the app preset")
	manifestCmd.AddCommand(manifestInitCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a logkit.yaml manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifest.FileName
		if len(args) > 0 {
			path = args[0]
		}

		m, err := manifest.Load(path)
		if err != nil {
			return err
		}

		errs := manifest.Validate(m)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (package %s)\n", path, m.Package)
			return nil
		}

		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s: %d error(s)", path, len(errs))
	},
}
