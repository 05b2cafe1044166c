// Package config resolves the gateway's command-line flags into a
// validated Config, following the same flag-first/env-fallback shape as
// internal/logger's level resolution.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

const envPassword = "FOSCAM_PASSWORD"

// Config holds every knob the gateway needs to dial one camera, resolve its
// stream over CGI, and serve the remuxed fragmented MP4 downstream.
type Config struct {
	Host     string
	Port     uint
	UID      uint
	User     string
	Password string

	DownstreamAddr string

	PipeCapacity    int
	ProbeSize       int
	VideoBufferSize int
	AudioBufferSize int
}

func (c *Config) applyDefaults() {
	if c.DownstreamAddr == "" {
		c.DownstreamAddr = ":8080"
	}
	if c.PipeCapacity <= 0 {
		c.PipeCapacity = 1 << 20
	}
	if c.ProbeSize <= 0 {
		c.ProbeSize = 256 * 1024
	}
	if c.VideoBufferSize <= 0 {
		c.VideoBufferSize = c.PipeCapacity
	}
	if c.AudioBufferSize <= 0 {
		c.AudioBufferSize = c.PipeCapacity
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return errors.New("camera host is required")
	}
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("camera port out of range: %d", c.Port)
	}
	if c.User == "" {
		return errors.New("camera user is required")
	}
	if c.Password == "" {
		return errors.New("camera password is required (flag -camera-password or env " + envPassword + ")")
	}
	return nil
}

// Parse resolves a Config from args (precedence high to low: flags, then
// FOSCAM_PASSWORD for the password field only), applies defaults, and
// validates the result.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("foscam-gateway", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &Config{}
	fs.StringVar(&cfg.Host, "camera-host", "", "camera IP address or hostname (required)")
	fs.UintVar(&cfg.Port, "camera-port", 88, "camera server-push TCP and CGI port")
	fs.UintVar(&cfg.UID, "camera-uid", 0, "camera UID sent in VIDEO_ON_REQUEST")
	fs.StringVar(&cfg.User, "camera-user", "admin", "camera account username")
	fs.StringVar(&cfg.Password, "camera-password", "", "camera account password (or set "+envPassword+")")
	fs.StringVar(&cfg.DownstreamAddr, "listen", ":8080", "HTTP listen address serving the remuxed stream")
	fs.IntVar(&cfg.PipeCapacity, "pipe-capacity", 1<<20, "soft byte capacity for each subscriber's video/audio/output pipe")
	fs.IntVar(&cfg.ProbeSize, "probe-size", 256*1024, "buffered H.264 bytes required before a remux worker opens its demuxer")
	fs.IntVar(&cfg.VideoBufferSize, "video-buffer-size", 0, "video buffer size in bytes (defaults to -pipe-capacity); parsed but not applied: every subscriber pipe is sized by -pipe-capacity")
	fs.IntVar(&cfg.AudioBufferSize, "audio-buffer-size", 0, "audio buffer size in bytes (defaults to -pipe-capacity); parsed but not applied: every subscriber pipe is sized by -pipe-capacity")
	fs.String("log.level", "", "log level (debug, info, warn, error); read by internal/logger")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Password == "" {
		cfg.Password = os.Getenv(envPassword)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
