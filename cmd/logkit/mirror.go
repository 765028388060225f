package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/logkit/pkg/mirror"
)

func init() {
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(tapCmd)
}

var (
	mirrorListen string
	mirrorScale  float64
	mirrorFPS    int
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror the device screen in a browser",
	Long:  "Serves the device screen as an MJPEG stream. Clicking the picture sends a tap to the device.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		listen, scale, fps := m.Mirror.Listen, m.Mirror.Scale, m.Mirror.FPS
		if cmd.Flags().Changed("listen") {
			listen = mirrorListen
		}
		if cmd.Flags().Changed("scale") {
			scale = mirrorScale
		}
		if cmd.Flags().Changed("fps") {
			fps = mirrorFPS
		}

		ctx, stop := signalContext()
		defer stop()

		client := newADB(m)
		serial, err := resolveSerial(ctx, client)
		if err != nil {
			return err
		}
		client = client.WithSerial(serial)
		logger := cliLogger()

		geometry := mirror.ResolveGeometry(ctx, client, scale, logger)
		capturer := mirror.NewCapturer(client, fps, geometry.Scale, logger)
		server := mirror.NewServer(capturer, geometry, client, logger)

		w, h := geometry.Window()
		fmt.Fprintf(cmd.OutOrStdout(), "mirroring %s (%dx%d, window %dx%d) on http://%s/\n",
			serial, geometry.ScreenWidth, geometry.ScreenHeight, w, h, listen)
		return server.Run(ctx, listen)
	},
}

func init() {
	mirrorCmd.Flags().StringVar(&mirrorListen, "listen", "", "HTTP listen address (default from manifest)")
	mirrorCmd.Flags().Float64Var(&mirrorScale, "scale", 0, "window scale factor (default from manifest)")
	mirrorCmd.Flags().IntVar(&mirrorFPS, "fps", 0, "maximum frames per second (default from manifest)")
}

var tapCmd = &cobra.Command{
	Use:   "tap <x> <y>",
	Short: "Send a tap at device coordinates",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("x: %w", err)
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("y: %w", err)
		}
		if x < 0 || y < 0 {
			return fmt.Errorf("coordinates must not be negative")
		}

		m, err := loadManifest()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := newADB(m).Tap(ctx, x, y); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tap %d,%d ✓\n", x, y)
		return nil
	},
}
