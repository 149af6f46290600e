// config.go - Mix node server configuration.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the mix node server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/veilmix/veilmix/core/sphinx"
)

const (
	defaultAverageDelay   = 200    // ms
	defaultMaxDelay       = 60000  // ms
	defaultReplayWindow   = 3600   // sec
	defaultLogLevel       = "NOTICE"
	defaultQueueSize      = 131072
	defaultMaxBurst       = 16
	defaultSchedulerSlack = 10   // ms
	defaultUnwrapDelay    = 250  // ms
	defaultSendSlack      = 50   // ms
	defaultSendTimeout    = 1000 // ms
	defaultSendAttempts   = 3
	defaultConnectTimeout = 60000 // ms
	defaultSweepInterval  = 60000 // ms
	defaultHighWater      = 65536
	defaultMetricsAddress = "127.0.0.1:6543"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the mix node network configuration.
type Server struct {
	// Identifier is the human readable node identifier.
	Identifier string

	// Addresses are the "host:port" addresses to listen on for inbound
	// mix traffic.
	Addresses []string

	// DataDir is the absolute path to the node's state directory.
	DataDir string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 {
		return errors.New("config: Server: No Addresses specified")
	}
	for _, v := range sCfg.Addresses {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Mix is the mixing strategy configuration.
type Mix struct {
	// AverageDelay is the mean of the exponential per-packet delay
	// distribution in milliseconds.
	AverageDelay int

	// MaxDelay is the clamp applied to sampled delays in milliseconds.
	MaxDelay int

	// ReplayWindow is the duration in seconds for which replay tags are
	// remembered.
	ReplayWindow int
}

func (mCfg *Mix) applyDefaults() {
	if mCfg.AverageDelay <= 0 {
		mCfg.AverageDelay = defaultAverageDelay
	}
	if mCfg.MaxDelay <= 0 {
		mCfg.MaxDelay = defaultMaxDelay
	}
	if mCfg.ReplayWindow <= 0 {
		mCfg.ReplayWindow = defaultReplayWindow
	}
}

func (mCfg *Mix) validate() error {
	if mCfg.MaxDelay < mCfg.AverageDelay {
		return fmt.Errorf("config: Mix: MaxDelay %v is less than AverageDelay %v", mCfg.MaxDelay, mCfg.AverageDelay)
	}
	return nil
}

// Metrics is the observability configuration.
type Metrics struct {
	// Enable exposes prometheus metrics over HTTP.
	Enable bool

	// Address is the "host:port" to expose the metrics handler on.
	Address string
}

func (mCfg *Metrics) applyDefaults() {
	if mCfg.Address == "" {
		mCfg.Address = defaultMetricsAddress
	}
}

// Debug is the tuning knob configuration.
type Debug struct {
	// NumCryptoWorkers specifies the number of worker instances to use
	// for inbound packet unwrapping.
	NumCryptoWorkers int

	// SchedulerExternalMemoryQueue enables the disk-backed scheduler
	// queue instead of the in-memory heap.
	SchedulerExternalMemoryQueue bool

	// SchedulerQueueSize is the maximum number of packets the mix queue
	// will hold; additional packets are rejected at insertion.
	SchedulerQueueSize int

	// SchedulerMaxBurst is the maximum number of packets dispatched per
	// scheduler wakeup.
	SchedulerMaxBurst int

	// SchedulerSlack is the maximum tolerated dispatch lateness in
	// milliseconds before a packet is dropped instead of forwarded.
	SchedulerSlack int

	// UnwrapDelay is the maximum tolerated unwrap queue dwell time in
	// milliseconds.
	UnwrapDelay int

	// SendSlack is the maximum tolerated send queue dwell time in
	// milliseconds.
	SendSlack int

	// SendTimeout is the per-send write deadline in milliseconds.
	SendTimeout int

	// SendAttempts is the number of times a send is attempted before the
	// packet is dropped as unreachable.
	SendAttempts int

	// ConnectTimeout is the outbound dial timeout in milliseconds.
	ConnectTimeout int

	// TopologySweepInterval is the interval in milliseconds at which the
	// connector reconciles its connection table against the topology.
	TopologySweepInterval int

	// InFlightHighWater is the in-flight packet count above which the
	// ingress stops reading.
	InFlightHighWater int

	// InFlightLowWater is the in-flight packet count below which the
	// ingress resumes reading.  Defaults to half the high water mark.
	InFlightLowWater int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumCryptoWorkers <= 0 {
		dCfg.NumCryptoWorkers = runtime.NumCPU()
	}
	if dCfg.SchedulerQueueSize <= 0 {
		dCfg.SchedulerQueueSize = defaultQueueSize
	}
	if dCfg.SchedulerMaxBurst <= 0 {
		dCfg.SchedulerMaxBurst = defaultMaxBurst
	}
	if dCfg.SchedulerSlack <= 0 {
		dCfg.SchedulerSlack = defaultSchedulerSlack
	}
	if dCfg.UnwrapDelay <= 0 {
		dCfg.UnwrapDelay = defaultUnwrapDelay
	}
	if dCfg.SendSlack <= 0 {
		dCfg.SendSlack = defaultSendSlack
	}
	if dCfg.SendTimeout <= 0 {
		dCfg.SendTimeout = defaultSendTimeout
	}
	if dCfg.SendAttempts <= 0 {
		dCfg.SendAttempts = defaultSendAttempts
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.TopologySweepInterval <= 0 {
		dCfg.TopologySweepInterval = defaultSweepInterval
	}
	if dCfg.InFlightHighWater <= 0 {
		dCfg.InFlightHighWater = defaultHighWater
	}
	if dCfg.InFlightLowWater <= 0 || dCfg.InFlightLowWater >= dCfg.InFlightHighWater {
		dCfg.InFlightLowWater = dCfg.InFlightHighWater / 2
	}
}

// Config is the top level mix node configuration.
type Config struct {
	Server         *Server
	Logging        *Logging
	Mix            *Mix
	Metrics        *Metrics
	SphinxGeometry *sphinx.Geometry

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.SphinxGeometry == nil {
		return errors.New("config: No SphinxGeometry block was present")
	}
	if err := cfg.SphinxGeometry.Validate(); err != nil {
		return err
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Mix == nil {
		cfg.Mix = &Mix{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Mix.applyDefaults()
	cfg.Metrics.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Mix.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: nil config file body")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
