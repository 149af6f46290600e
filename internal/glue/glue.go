// glue.go - Internal subsystem glue.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/veilmix/veilmix/config"
	"github.com/veilmix/veilmix/core/log"
	"github.com/veilmix/veilmix/core/pki"
	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/internal/admission"
	"github.com/veilmix/veilmix/internal/packet"
	"github.com/veilmix/veilmix/internal/replay"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	Unwrapper() sphinx.Unwrapper
	Topology() *pki.Document
	Replay() *replay.Cache
	Admission() *admission.Control

	Scheduler() Scheduler
	Connector() Connector
	Listeners() []Listener
	Delivery() Delivery
}

// Scheduler is the mix delay scheduler.
type Scheduler interface {
	Halt()
	OnPacket(*packet.Packet)
}

// Connector is the outbound connection pool.
type Connector interface {
	Halt()
	DispatchPacket(*packet.Packet)
	IsValidForwardDest(*[sphinx.NodeIDLength]byte) bool
	ForceUpdate()
}

// Listener is an inbound transport listener.
type Listener interface {
	Halt()
}

// Delivery is the external collaborator that consumes payloads whose
// final destination is this node.
type Delivery interface {
	OnPayload([]byte)
}
