// pki.go - Mix network topology document.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package pki provides the mix network topology document consumed by the
// forwarding path.  Fetching documents from the directory service is an
// external collaborator's responsibility; this package only defines the
// document's shape and serialization.
package pki

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/veilmix/veilmix/core/sphinx"
)

// ErrNoDocument is returned when no topology document is available.
var ErrNoDocument = errors.New("pki: no topology document available")

// MixDescriptor describes a single node in the network topology.
type MixDescriptor struct {
	// Name is the human readable node identifier.
	Name string

	// IdentityKey is the node's static identity public key.
	IdentityKey []byte

	// Addresses is the list of address URIs the node listens on.
	Addresses []string
}

// NodeID returns the node identifier digest derived from the descriptor's
// identity key.
func (d *MixDescriptor) NodeID() [sphinx.NodeIDLength]byte {
	return hash.Sum256(d.IdentityKey)
}

// Validate returns an error iff the descriptor is malformed.
func (d *MixDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("pki: descriptor missing Name")
	}
	if len(d.IdentityKey) == 0 {
		return fmt.Errorf("pki: descriptor '%v' missing IdentityKey", d.Name)
	}
	if len(d.Addresses) == 0 {
		return fmt.Errorf("pki: descriptor '%v' has no addresses", d.Name)
	}
	return nil
}

// Document is a topology snapshot, a mapping from node identifiers to
// descriptors valid at GeneratedAt.
type Document struct {
	// GeneratedAt is the time the directory generated the snapshot.
	GeneratedAt time.Time

	// Topology is the set of nodes known to the directory.
	Topology []*MixDescriptor

	nodes map[[sphinx.NodeIDLength]byte]*MixDescriptor
}

// GetNode returns the descriptor for the given node identifier, if any.
func (doc *Document) GetNode(id *[sphinx.NodeIDLength]byte) (*MixDescriptor, bool) {
	desc, ok := doc.nodes[*id]
	return desc, ok
}

// Nodes returns the identifier to descriptor mapping.  Callers MUST NOT
// mutate the returned map.
func (doc *Document) Nodes() map[[sphinx.NodeIDLength]byte]*MixDescriptor {
	return doc.nodes
}

// Validate checks the document's descriptors and builds the node index.
func (doc *Document) Validate() error {
	doc.nodes = make(map[[sphinx.NodeIDLength]byte]*MixDescriptor, len(doc.Topology))
	for _, desc := range doc.Topology {
		if err := desc.Validate(); err != nil {
			return err
		}
		id := desc.NodeID()
		if _, ok := doc.nodes[id]; ok {
			return fmt.Errorf("pki: duplicate node: '%v'", desc.Name)
		}
		doc.nodes[id] = desc
	}
	return nil
}

// Marshal serializes the document.
func (doc *Document) Marshal() ([]byte, error) {
	return cbor.Marshal(doc)
}

// FromPayload deserializes and validates a document.
func FromPayload(b []byte) (*Document, error) {
	doc := new(Document)
	if err := cbor.Unmarshal(b, doc); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
