// debug.go - Debug helpers.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package debug implements useful helper routines to aid debugging.
package debug

import (
	"encoding/base64"

	"github.com/veilmix/veilmix/core/sphinx"
)

// NodeIDToPrintString pretty-prints a node identifier.
func NodeIDToPrintString(id *[sphinx.NodeIDLength]byte) string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// BytesToPrintString pretty-prints a byte slice.
func BytesToPrintString(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
