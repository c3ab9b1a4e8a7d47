// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"

	"github.com/acquire-foundation/acquire/lib/envelope"
)

var (
	// ErrDriveNotFound is returned for unknown drives, and for drives
	// the caller may not see.
	ErrDriveNotFound = errors.New("storage: drive not found")

	// ErrFileNotFound is returned for unknown filenames.
	ErrFileNotFound = errors.New("storage: file not found")

	// ErrVersionNotFound is returned for unknown file versions.
	ErrVersionNotFound = errors.New("storage: version not found")

	// ErrChecksumMismatch is returned when uploaded data does not
	// match the size or checksum it was declared with.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")

	// ErrUploaderClosed is returned for chunks sent to a closed or
	// unknown uploader, and for downloads through a closed
	// downloader.
	ErrUploaderClosed = errors.New("storage: uploader closed")

	// ErrLastOwner is returned by SetPermission when the change would
	// leave a drive without an owner.
	ErrLastOwner = errors.New("storage: a drive must keep at least one owner")

	// ErrFileHandle is returned for malformed upload requests.
	ErrFileHandle = errors.New("storage: invalid file handle")
)

func init() {
	envelope.RegisterError("storage", "DriveNotFoundError", ErrDriveNotFound)
	envelope.RegisterError("storage", "FileNotFoundError", ErrFileNotFound)
	envelope.RegisterError("storage", "VersionNotFoundError", ErrVersionNotFound)
	envelope.RegisterError("storage", "ChecksumMismatchError", ErrChecksumMismatch)
	envelope.RegisterError("storage", "UploaderClosedError", ErrUploaderClosed)
	envelope.RegisterError("storage", "LastOwnerError", ErrLastOwner)
	envelope.RegisterError("storage", "FileHandleError", ErrFileHandle)
}
