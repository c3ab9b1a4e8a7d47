// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope packs and unpacks the JSON documents exchanged
// between services.
//
// A plain envelope is the payload object itself plus a "synctime". A
// sealed envelope carries the payload encrypted to the recipient's
// public key:
//
//	{"encrypted": true, "fingerprint": "<recipient key>",
//	 "data": "<base64 ciphertext>", "synctime": "...",
//	 "signature": "<base64 signature over the ciphertext>"}
//
// A caller that wants an encrypted reply embeds its public key as
// "encryption_public_key"; one that wants a signed reply names the
// fingerprint of the certificate the replier must sign with in
// "sign_with_service_key".
//
// Return values carry "status": 0 for success, -1 for an error with a
// "message", -2 for an error classified through RegisterError and
// carried in "exception". Unpack turns non-zero statuses back into a
// *RemoteError that unwraps to the registered sentinel.
package envelope
