// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-storage runs the storage service: drives, file
// versions and the pre-authenticated requests that upload and download
// file contents.
package main
