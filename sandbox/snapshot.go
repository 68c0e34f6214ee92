// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/codec"
)

// Snapshot is a copy of a sandbox's geometry at one point in time.
type Snapshot struct {
	Initialized       bool         `cbor:"initialized"`
	Disabled          bool         `cbor:"disabled"`
	Base              addr.Address `cbor:"base"`
	End               addr.Address `cbor:"end"`
	Size              uint64       `cbor:"size"`
	ReservationBase   addr.Address `cbor:"reservation_base"`
	ReservationSize   uint64       `cbor:"reservation_size"`
	PartiallyReserved bool         `cbor:"partially_reserved"`
	Layout            Layout       `cbor:"layout"`

	EmptyBackingStoreBuffer addr.Address `cbor:"empty_backing_store_buffer"`
}

// Encode returns the deterministic CBOR encoding of the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decoding sandbox snapshot: %w", err)
	}
	return snapshot, nil
}

// Fingerprint returns the hex BLAKE3 digest of the encoded snapshot.
// Two sandboxes with the same geometry have the same fingerprint, so
// code generated against one can be reused in the other.
func (s Snapshot) Fingerprint() (string, error) {
	data, err := s.Encode()
	if err != nil {
		return "", err
	}
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}
