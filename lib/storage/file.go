// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	filesPrefix    = "storage/files/"
	versionsPrefix = "storage/versions/"
)

// FileHandle describes a file a client wants to upload.
type FileHandle struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`

	// Checksum is the hex MD5 of the whole file.
	Checksum string `json:"checksum"`

	// Data carries small files inline.
	Data []byte `json:"filedata,omitempty"`

	// Chunked asks for a chunk uploader instead of a PAR.
	Chunked bool `json:"chunked,omitempty"`

	// Compression is applied by the service to inline data and to
	// each chunk. Empty lets the service choose.
	Compression Compression `json:"compression,omitempty"`

	// ACL overrides the drive's rules for this file.
	ACL *acl.Rules `json:"aclrules,omitempty"`
}

func (h FileHandle) validate() (string, error) {
	name := strings.Trim(path.Clean("/"+h.Filename), "/")
	if h.Filename == "" || name == "" || name == "." {
		return "", fmt.Errorf("%w: a filename is required", ErrFileHandle)
	}
	if h.Filesize < 0 {
		return "", fmt.Errorf("%w: negative size", ErrFileHandle)
	}
	if !h.Compression.Valid() {
		return "", fmt.Errorf("%w: unknown compression %q", ErrFileHandle, h.Compression)
	}
	if h.ACL != nil {
		if err := h.ACL.Validate(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrFileHandle, err)
		}
	}
	return name, nil
}

// ChunkInfo describes one stored chunk.
type ChunkInfo struct {
	Size        int64       `json:"size"`
	Checksum    string      `json:"checksum"`
	Compression Compression `json:"compression"`
}

// VersionInfo is one version of a file. Versions are stored at
// storage/versions/<drive>/<encoded filename>/<timestamp>/<file uid>.
type VersionInfo struct {
	FileUID  string    `json:"file_uid"`
	Filename string    `json:"filename"`
	Filesize int64     `json:"filesize"`
	Checksum string    `json:"checksum"`
	UserGUID string    `json:"user_guid"`
	Datetime time.Time `json:"datetime"`

	// Compression applies to an object stored whole.
	Compression Compression `json:"compression"`

	// Chunks describes contents stored as chunks 1..n.
	Chunks []ChunkInfo `json:"chunks,omitempty"`

	ACL *acl.Rules `json:"aclrules,omitempty"`
}

// IsPlain reports whether the stored bytes are the file's bytes, so
// that a read PAR can serve them directly.
func (v *VersionInfo) IsPlain() bool {
	if len(v.Chunks) == 0 {
		return v.Compression == CompressionNone
	}
	for _, chunk := range v.Chunks {
		if chunk.Compression != CompressionNone {
			return false
		}
	}
	return true
}

// Rule resolves the caller's permissions on this version given their
// drive rule.
func (v *VersionInfo) Rule(userGUID string, drive acl.Rule) acl.Rule {
	if v.ACL == nil {
		return drive
	}
	return v.ACL.Resolve(acl.Identifiers{UserGUID: userGUID, Upstream: &drive}).Denying()
}

// FileInfo is stored at storage/files/<drive>/<encoded filename> and
// lists every version, oldest first.
type FileInfo struct {
	Filename string        `json:"filename"`
	Versions []VersionInfo `json:"versions"`
}

// Latest returns the newest version.
func (f *FileInfo) Latest() *VersionInfo {
	return &f.Versions[len(f.Versions)-1]
}

// Version returns the version with fileUID, or the latest when fileUID
// is empty.
func (f *FileInfo) Version(fileUID string) (*VersionInfo, error) {
	if fileUID == "" {
		return f.Latest(), nil
	}
	for i := range f.Versions {
		if f.Versions[i].FileUID == fileUID {
			return &f.Versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s of %s", ErrVersionNotFound, fileUID, f.Filename)
}

func fileKey(driveUID, filename string) string {
	return filesPrefix + driveUID + "/" + objstore.EncodeKey(filename)
}

func versionKey(driveUID string, v *VersionInfo) string {
	return versionsPrefix + driveUID + "/" + objstore.EncodeKey(v.Filename) + "/" +
		objstore.FormatTime(v.Datetime) + "/" + v.FileUID
}

func (s *Service) loadFile(ctx context.Context, driveUID, filename string) (*FileInfo, error) {
	var info FileInfo
	if err := s.bucket.GetJSON(ctx, fileKey(driveUID, filename), &info); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		return nil, err
	}
	if len(info.Versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	return &info, nil
}

// recordVersion adds v as the newest version of its file.
func (s *Service) recordVersion(ctx context.Context, driveUID string, v VersionInfo) error {
	if err := s.bucket.SetJSON(ctx, versionKey(driveUID, &v), v); err != nil {
		return err
	}
	key := fileKey(driveUID, v.Filename)
	return objstore.WithMutex(ctx, s.bucket, "file/"+driveUID+"/"+objstore.EncodeKey(v.Filename), objstore.MutexOptions{Clock: s.clock}, func() error {
		var info FileInfo
		err := s.bucket.GetJSON(ctx, key, &info)
		if err != nil && !errors.Is(err, objstore.ErrNotFound) {
			return err
		}
		info.Filename = v.Filename
		info.Versions = append(info.Versions, v)
		if err := s.bucket.SetJSON(ctx, key, info); err != nil {
			return err
		}
		s.logger.Info("recorded file version",
			"drive", driveUID,
			"filename", v.Filename,
			"file_uid", v.FileUID,
			"size", v.Filesize,
		)
		return nil
	})
}

// ListFiles returns the latest version of every file the caller may
// read on a drive. The authorisation resource is
// "list_files <drive uid>".
func (s *Service) ListFiles(ctx context.Context, a *auth.Authorisation, driveUID string) ([]VersionInfo, error) {
	if err := s.verify(ctx, a, "list_files "+driveUID); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	_, driveRule, err := s.drive(ctx, driveUID, userGUID, acl.Rule.CanRead)
	if err != nil {
		return nil, err
	}
	names, err := s.bucket.ListNames(ctx, filesPrefix+driveUID+"/")
	if err != nil {
		return nil, err
	}
	var files []VersionInfo
	for _, encoded := range names {
		filename, err := objstore.DecodeKey(encoded)
		if err != nil {
			return nil, err
		}
		info, err := s.loadFile(ctx, driveUID, filename)
		if errors.Is(err, ErrFileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		latest := info.Latest()
		if latest.Rule(userGUID, driveRule).CanRead() {
			files = append(files, *latest)
		}
	}
	return files, nil
}

// ListVersions returns every version of a file, oldest first. The
// authorisation resource is "list_versions <drive uid> <filename>".
func (s *Service) ListVersions(ctx context.Context, a *auth.Authorisation, driveUID, filename string) ([]VersionInfo, error) {
	if err := s.verify(ctx, a, "list_versions "+driveUID+" "+filename); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	_, driveRule, err := s.drive(ctx, driveUID, userGUID, acl.Rule.CanRead)
	if err != nil {
		return nil, err
	}
	info, err := s.loadFile(ctx, driveUID, filename)
	if err != nil {
		return nil, err
	}
	var versions []VersionInfo
	for _, v := range info.Versions {
		if v.Rule(userGUID, driveRule).CanRead() {
			versions = append(versions, v)
		}
	}
	return versions, nil
}
