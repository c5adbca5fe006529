// Package config loads named capture-run profiles from a TOML file, so
// repeat captures of the same physical setup (device id, density, track
// range, output location) don't need every flag respecified on the
// command line.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/sergev/kryoflux/capture"
)

//go:embed kryoflux.toml
var defaultConfigData []byte

// Global state for the selected profile, set by Initialize.
var (
	ProfileName string
	DriveID     int
	Density     int
	StartTrack  int
	EndTrack    int
	SideMode    string
	Step        int
	OutputBase  string
)

// Config represents the entire TOML configuration structure.
type Config struct {
	Default string    `toml:"default"`
	Profile []Profile `toml:"profile"`
}

// Profile represents one named capture-run profile.
type Profile struct {
	Name       string `toml:"name"`
	DriveID    int    `toml:"drive_id"`
	Density    int    `toml:"density"`
	StartTrack int    `toml:"start_track"`
	EndTrack   int    `toml:"end_track"`
	SideMode   string `toml:"side_mode"` // "0", "1", or "both"
	Step       int    `toml:"step"`
	OutputBase string `toml:"output_base"`
}

// configPath determines the config file path based on the operating system.
func configPath() (string, error) {
	var configDir string
	var err error

	switch runtime.GOOS {
	case "windows":
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "kryoflux")
	default:
		configDir, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
	}

	return filepath.Join(configDir, ".kryoflux"), nil
}

// Initialize loads and validates the configuration file, selecting the
// profile named by profileName, or the file's `default` profile if
// profileName is empty. If the config file doesn't exist, it is created
// from the embedded default.
func Initialize(profileName string) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}
		if err := os.WriteFile(path, defaultConfigData, 0644); err != nil {
			return fmt.Errorf("failed to create default config file at %s: %w", path, err)
		}
	}

	var conf Config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return fmt.Errorf("failed to parse TOML config at %s: %w", path, err)
	}

	wantName := profileName
	if wantName == "" {
		wantName = conf.Default
	}
	if wantName == "" {
		return errors.New("no profile name given and `default` key is missing or empty in config")
	}

	var found *Profile
	for i := range conf.Profile {
		if conf.Profile[i].Name == wantName {
			found = &conf.Profile[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("profile %q not found in config", wantName)
	}

	if found.EndTrack < found.StartTrack {
		return fmt.Errorf("profile %q has end_track %d before start_track %d", wantName, found.EndTrack, found.StartTrack)
	}
	if found.Step <= 0 {
		return fmt.Errorf("profile %q has invalid step: %d (must be positive)", wantName, found.Step)
	}
	if found.OutputBase == "" {
		return fmt.Errorf("profile %q has no output_base", wantName)
	}
	switch found.SideMode {
	case "0", "1", "both":
	default:
		return fmt.Errorf("profile %q has invalid side_mode %q (want 0, 1, or both)", wantName, found.SideMode)
	}

	ProfileName = found.Name
	DriveID = found.DriveID
	Density = found.Density
	StartTrack = found.StartTrack
	EndTrack = found.EndTrack
	SideMode = found.SideMode
	Step = found.Step
	OutputBase = found.OutputBase

	return nil
}

// AsCaptureConfig converts the currently selected profile into a
// capture.Config, translating the TOML-friendly side_mode string into
// capture's side-mode constant.
func AsCaptureConfig() capture.Config {
	var sideMode int
	switch SideMode {
	case "0":
		sideMode = capture.SideSingle0
	case "1":
		sideMode = capture.SideSingle1
	default:
		sideMode = capture.SideBoth
	}
	return capture.Config{
		OutputBase: OutputBase,
		DriveID:    byte(DriveID),
		Density:    byte(Density),
		StartTrack: byte(StartTrack),
		EndTrack:   byte(EndTrack),
		SideMode:   sideMode,
		Step:       byte(Step),
	}
}
