// Command kryoflux captures raw flux streams from a KryoFlux USB device,
// one file per (track, side), validating each stream on the fly.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sergev/kryoflux/capture"
	"github.com/sergev/kryoflux/config"
	"github.com/sergev/kryoflux/device"
	"github.com/sergev/kryoflux/usbtransport"
)

var opts struct {
	profile    string
	out        string
	drive      int
	density    int
	start      int
	end        int
	side       int
	step       int
	firmware   string
	verbose    bool
	maxProbes  int
	deviceSlot int
}

var rootCmd = &cobra.Command{
	Use:   "kryoflux",
	Short: "Capture raw flux streams from a KryoFlux USB device",
	Long:  "The kryoflux tool brings up a KryoFlux device, configures it, and captures per-track raw flux streams to disk.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	RunE: runCapture,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.profile, "profile", "", "named capture profile from the config file (overrides nothing if unset)")
	flags.StringVar(&opts.out, "out", "", "output base filename (required unless --profile supplies one)")
	flags.IntVar(&opts.drive, "drive", 0, "drive id (0 or 1)")
	flags.IntVar(&opts.density, "density", 0, "density select (0 or 1)")
	flags.IntVar(&opts.start, "start", 0, "start track")
	flags.IntVar(&opts.end, "end", 83, "end track")
	flags.IntVar(&opts.side, "side", 2, "side mode: 0, 1, or 2 (both)")
	flags.IntVar(&opts.step, "step", 1, "track step (1 or 2)")
	flags.StringVar(&opts.firmware, "firmware", "firmware.bin", "firmware image to upload if the device is bare")
	flags.BoolVar(&opts.verbose, "verbose", false, "log bootloader and control-transfer responses")
	flags.IntVar(&opts.maxProbes, "max-probe-attempts", 0, "bound the firmware-presence stability loop (0 = default)")
	flags.IntVar(&opts.deviceSlot, "device-index", 0, "0-indexed ordinal among matching USB devices")
}

func captureConfig() (capture.Config, error) {
	if opts.profile != "" {
		if err := config.Initialize(opts.profile); err != nil {
			return capture.Config{}, fmt.Errorf("load profile %q: %w", opts.profile, err)
		}
		cfg := config.AsCaptureConfig()
		if opts.out != "" {
			cfg.OutputBase = opts.out
		}
		return cfg, nil
	}

	if opts.out == "" {
		return capture.Config{}, fmt.Errorf("--out is required when --profile is not given")
	}
	return capture.Config{
		OutputBase: opts.out,
		DriveID:    byte(opts.drive),
		Density:    byte(opts.density),
		StartTrack: byte(opts.start),
		EndTrack:   byte(opts.end),
		SideMode:   opts.side,
		Step:       byte(opts.step),
	}, nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := captureConfig()
	if err != nil {
		return err
	}

	transport := usbtransport.Init()
	defer transport.Exit()

	controller := device.New(transport, opts.deviceSlot)
	controller.Verbose = opts.verbose
	controller.MaxProbeAttempts = opts.maxProbes
	defer controller.Close()

	if err := controller.Init(opts.firmware); err != nil {
		return fmt.Errorf("device bring-up: %w", err)
	}

	results, err := capture.Run(controller, cfg)
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	fmt.Printf("captured %d/%d tracks\n", ok, len(results))
	return err
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
