// main.go - Veilmix mix node binary.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	kpsphinx "github.com/katzenpost/katzenpost/core/sphinx"
	"github.com/katzenpost/katzenpost/core/sphinx/geo"
	"github.com/katzenpost/katzenpost/core/utils"

	"github.com/veilmix/veilmix"
	"github.com/veilmix/veilmix/config"
	"github.com/veilmix/veilmix/core/pki"
)

const (
	userForwardPayloadLength = 2000
	nrHops                   = 5
)

func loadMixKey(dataDir string, scheme nike.Scheme) (nike.PrivateKey, error) {
	privFile := filepath.Join(dataDir, "mix.private.pem")
	pubFile := filepath.Join(dataDir, "mix.public.pem")

	if utils.BothExists(privFile, pubFile) {
		return nikepem.FromPrivatePEMFile(privFile, scheme)
	} else if utils.BothNotExists(privFile, pubFile) {
		pubKey, privKey, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err = nikepem.PrivateKeyToFile(privFile, privKey, scheme); err != nil {
			return nil, err
		}
		if err = nikepem.PublicKeyToFile(pubFile, pubKey, scheme); err != nil {
			return nil, err
		}
		return privKey, nil
	}
	return nil, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
}

func loadTopology(svr *veilmix.Server, f string) error {
	b, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	doc, err := pki.FromPayload(b)
	if err != nil {
		return err
	}
	return svr.SetTopology(doc)
}

func main() {
	cfgFile := flag.String("f", "veilmix.toml", "Path to the node config file.")
	topologyFile := flag.String("t", "", "Path to a serialized topology document.")
	flag.Parse()

	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	// The packet length the network agreed on must match what the Sphinx
	// stack produces for its parameters.
	nikeScheme := x25519.Scheme(rand.Reader)
	sphinxGeo := geo.GeometryFromUserForwardPayloadLength(nikeScheme, userForwardPayloadLength, false, nrHops)
	if cfg.SphinxGeometry.PacketLength != sphinxGeo.PacketLength {
		fmt.Fprintf(os.Stderr, "Config PacketLength %v does not match Sphinx geometry %v\n",
			cfg.SphinxGeometry.PacketLength, sphinxGeo.PacketLength)
		os.Exit(-1)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(-1)
	}
	privateKey, err := loadMixKey(cfg.Server.DataDir, nikeScheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize mix key: %v\n", err)
		os.Exit(-1)
	}

	unwrapper := &sphinxUnwrapper{
		sphinx:     kpsphinx.NewSphinx(sphinxGeo),
		privateKey: privateKey,
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := veilmix.New(cfg, unwrapper)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn server instance: %v\n", err)
		os.Exit(-1)
	}
	defer svr.Shutdown()

	if *topologyFile != "" {
		if err := loadTopology(svr, *topologyFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load topology '%v': %v\n", *topologyFile, err)
			os.Exit(-1)
		}
	}

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs and reload the topology upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
			if *topologyFile != "" {
				if err := loadTopology(svr, *topologyFile); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to reload topology: %v\n", err)
				}
			}
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
}
