// server.go - Veilmix mix node server.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package veilmix implements the veilmix mix node.
package veilmix

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/config"
	"github.com/veilmix/veilmix/core/log"
	"github.com/veilmix/veilmix/core/pki"
	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/internal/admission"
	"github.com/veilmix/veilmix/internal/constants"
	"github.com/veilmix/veilmix/internal/cryptoworker"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/incoming"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/outgoing"
	"github.com/veilmix/veilmix/internal/packet"
	"github.com/veilmix/veilmix/internal/replay"
	"github.com/veilmix/veilmix/internal/scheduler"
)

// Server is a veilmix mix node instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	unwrapper   sphinx.Unwrapper
	topology    atomic.Pointer[pki.Document]
	replayCache *replay.Cache
	admission   *admission.Control
	delivery    glue.Delivery

	inboundPackets chan *packet.Packet

	scheduler     glue.Scheduler
	connector     glue.Connector
	listeners     []glue.Listener
	cryptoWorkers []*cryptoworker.Worker

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// SetTopology atomically replaces the node's view of the network topology.
// Existing outgoing connections to peers that dropped out reap themselves,
// and connections to new peers are spawned on the next sweep.
func (s *Server) SetTopology(doc *pki.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.topology.Store(doc)
	s.connector.ForceUpdate()
	s.log.Noticef("Topology updated: %d nodes.", len(doc.Nodes()))
	return nil
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		// A rotation failure racing shutdown is not fatal twice over.
		select {
		case s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server"):
		case <-s.haltedCh:
		}
	}
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop the ingress first so no new packets are admitted, then drain
	// the pipeline back to front.
	for _, l := range s.listeners {
		if l != nil {
			l.Halt()
		}
	}
	s.listeners = nil

	for _, w := range s.cryptoWorkers {
		if w != nil {
			w.Halt()
		}
	}
	s.cryptoWorkers = nil

	if s.scheduler != nil {
		s.scheduler.Halt()
		s.scheduler = nil
	}
	if s.connector != nil {
		s.connector.Halt()
		s.connector = nil
	}

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// logDelivery is the default delivery sink.  Payloads terminating at this
// node are counted and discarded.
type logDelivery struct {
	log *logging.Logger

	count uint64
}

func (d *logDelivery) OnPayload(b []byte) {
	n := atomic.AddUint64(&d.count, 1)
	d.log.Debugf("Delivered payload: %d bytes (total %d)", len(b), n)
}

// serverGlue binds the subsystems together without giving any of them a
// direct reference to the Server.
type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config        { return g.s.cfg }
func (g *serverGlue) LogBackend() *log.Backend      { return g.s.logBackend }
func (g *serverGlue) Unwrapper() sphinx.Unwrapper   { return g.s.unwrapper }
func (g *serverGlue) Topology() *pki.Document       { return g.s.topology.Load() }
func (g *serverGlue) Replay() *replay.Cache         { return g.s.replayCache }
func (g *serverGlue) Admission() *admission.Control { return g.s.admission }
func (g *serverGlue) Scheduler() glue.Scheduler     { return g.s.scheduler }
func (g *serverGlue) Connector() glue.Connector     { return g.s.connector }
func (g *serverGlue) Listeners() []glue.Listener    { return g.s.listeners }
func (g *serverGlue) Delivery() glue.Delivery       { return g.s.delivery }

// New returns a new Server instance parameterized with the specified
// configuration.  The unwrapper holds the node's private key material and
// performs the cryptographic layer removal.
func New(cfg *config.Config, unwrapper sphinx.Unwrapper) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.unwrapper = unwrapper

	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Veilmix mix node: '%v'", cfg.Server.Identifier)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	if s.cfg.Metrics.Enable {
		instrument.StartMetricsListener(s.cfg.Metrics.Address)
		s.log.Noticef("Metrics exposed on: %v", s.cfg.Metrics.Address)
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	var err error
	if s.replayCache, err = replay.New(time.Duration(cfg.Mix.ReplayWindow) * time.Second); err != nil {
		s.log.Errorf("Failed to initialize replay cache: %v", err)
		return nil, err
	}
	s.admission = admission.New(s.logBackend.GetLogger("admission"), cfg.Debug.InFlightHighWater, cfg.Debug.InFlightLowWater)
	s.delivery = &logDelivery{log: s.logBackend.GetLogger("delivery")}
	s.inboundPackets = make(chan *packet.Packet, constants.InboundPacketsChannelSize)

	g := &serverGlue{s}

	// Bring the queueing and egress subsystems online.
	if s.scheduler, err = scheduler.New(g); err != nil {
		s.log.Errorf("Failed to start scheduler: %v", err)
		return nil, err
	}
	s.connector = outgoing.New(g)

	// Start the crypto workers.
	for i := 0; i < cfg.Debug.NumCryptoWorkers; i++ {
		s.cryptoWorkers = append(s.cryptoWorkers, cryptoworker.New(g, s.inboundPackets, i))
	}

	// Bring the listeners online last, only once the pipeline behind them
	// is ready.
	for i, addr := range cfg.Server.Addresses {
		l, err := incoming.New(g, s.inboundPackets, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	isOk = true
	return s, nil
}
