package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the server's full configuration. Values come from an optional
// YAML file, then the environment, then defaults.
type Settings struct {
	Server    ServerSettings    `yaml:"server"`
	Log       LogSettings       `yaml:"log"`
	Ledger    LedgerSettings    `yaml:"ledger"`
	DVR       DVRSettings       `yaml:"dvr"`
	Transcode TranscodeSettings `yaml:"transcode"`
	Capture   CaptureSettings   `yaml:"capture"`
}

type ServerSettings struct {
	Port string `yaml:"port"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerSettings struct {
	// Backend is "memory" or "sqlite".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DVRSettings struct {
	TargetDuration int           `yaml:"target_duration"`
	MaxGap         float64       `yaml:"max_gap"`
	MinGap         float64       `yaml:"min_gap"`
	Retention      time.Duration `yaml:"retention"`
	Autostart      bool          `yaml:"autostart"`
}

type TranscodeSettings struct {
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	GapDir         string        `yaml:"gap_dir"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	Timeout        time.Duration `yaml:"timeout"`
}

type CaptureSettings struct {
	// SpoolDir is watched for slice files; empty disables the watcher.
	SpoolDir string `yaml:"spool_dir"`
	Pattern  string `yaml:"pattern"`
}

// Defaults returns the settings used when neither file nor environment sets a
// value.
func Defaults() Settings {
	return Settings{
		Server: ServerSettings{Port: "8080"},
		Log:    LogSettings{Level: "info", Format: "json"},
		Ledger: LedgerSettings{Backend: "memory", SQLitePath: "dvr.db"},
		DVR: DVRSettings{
			TargetDuration: 7,
			MaxGap:         6.997,
			MinGap:         0.02133333,
			Retention:      8 * time.Hour,
		},
		Transcode: TranscodeSettings{
			FFmpegPath:     "ffmpeg",
			SegmentSeconds: 2,
			Timeout:        2 * time.Minute,
		},
		Capture: CaptureSettings{Pattern: "*.webm"},
	}
}

// LoadSettings reads path (skipped when empty or missing) over Defaults and
// applies environment overrides.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Settings{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	s.Server.Port = GetEnv("PORT", s.Server.Port)
	s.Log.Level = GetEnv("LOG_LEVEL", s.Log.Level)
	s.Log.Format = GetEnv("LOG_FORMAT", s.Log.Format)

	s.Ledger.Backend = GetEnv("LEDGER_BACKEND", s.Ledger.Backend)
	s.Ledger.SQLitePath = GetEnv("SQLITE_PATH", s.Ledger.SQLitePath)

	s.DVR.TargetDuration = GetEnvInt("TARGET_DURATION", s.DVR.TargetDuration)
	s.DVR.MaxGap = GetEnvFloat("MAX_GAP", s.DVR.MaxGap)
	s.DVR.MinGap = GetEnvFloat("MIN_GAP", s.DVR.MinGap)
	s.DVR.Retention = GetEnvDuration("RETENTION", s.DVR.Retention)
	s.DVR.Autostart = GetEnvBool("AUTOSTART", s.DVR.Autostart)

	s.Transcode.FFmpegPath = GetEnv("FFMPEG_PATH", s.Transcode.FFmpegPath)
	s.Transcode.GapDir = GetEnv("GAP_DIR", s.Transcode.GapDir)
	s.Transcode.SegmentSeconds = GetEnvInt("SEGMENT_SECONDS", s.Transcode.SegmentSeconds)
	s.Transcode.Timeout = GetEnvDuration("TRANSCODE_TIMEOUT", s.Transcode.Timeout)

	s.Capture.SpoolDir = GetEnv("SPOOL_DIR", s.Capture.SpoolDir)
	s.Capture.Pattern = GetEnv("SPOOL_PATTERN", s.Capture.Pattern)
}
