// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec produces the canonical bytes Acquire signs.
//
// The RPC envelope and everything persisted in the object store are
// JSON, because that is what crosses service boundaries and what an
// operator reads when inspecting a bucket. Signatures, however, must
// cover bytes that do not depend on map ordering or number formatting,
// so every signed structure (service descriptors, authorisations,
// cheque info, credit notes) is first encoded with CBOR Core
// Deterministic Encoding (RFC 8949 §4.2) through this package:
//
//	payload, err := codec.Marshal(info)
//	signature := key.Sign(payload)
//
// Struct types use `json` tags; fxamacker/cbor falls back to them when
// no `cbor` tag is present, so one tag names the field in both
// encodings.
package codec
