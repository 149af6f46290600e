// constants.go - Mix node internal constants.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants defines internal constants for the mix node.
package constants

import "time"

const (
	// KeepAliveInterval is the TCP/IP KeepAlive interval.
	KeepAliveInterval = 3 * time.Minute

	// InboundPacketsChannelSize is the capacity of the channel between
	// the ingress and the crypto workers.
	InboundPacketsChannelSize = 1000
)
