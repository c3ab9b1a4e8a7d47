// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const uploadersPrefix = "storage/uploaders/"

// UploadResult is returned by UploadFile. Exactly one of Version,
// PAR and Uploader is set.
type UploadResult struct {
	// Version is the recorded version of an inline upload.
	Version *VersionInfo `json:"filemeta,omitempty"`

	// PAR is a write PAR to upload the file through. Closing it
	// records the version.
	PAR *objstore.PAR `json:"upload_par,omitempty"`

	Uploader *UploaderTicket `json:"uploader,omitempty"`
}

// UploaderTicket identifies a chunk uploader. The secret is returned
// once and authorises every chunk.
type UploaderTicket struct {
	UploaderUID string `json:"uploader_uid"`
	FileUID     string `json:"file_uid"`
	Secret      string `json:"secret"`
}

// uploader is stored at storage/uploaders/<drive>/<file uid>.
type uploader struct {
	UID        string      `json:"uid"`
	SecretHash string      `json:"secret_hash"`
	Version    VersionInfo `json:"version"`
	Closed     bool        `json:"closed"`
}

// pendingUpload is the argument of the finalise_upload cleanup.
type pendingUpload struct {
	DriveUID string      `json:"drive_uid"`
	Version  VersionInfo `json:"version"`
}

func uploaderKey(driveUID, fileUID string) string {
	return uploadersPrefix + driveUID + "/" + fileUID
}

func secretMatches(secret, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(keys.Fingerprint([]byte(secret))), []byte(hash)) == 1
}

// writable checks the caller may write filename on the drive.
func (s *Service) writable(ctx context.Context, driveUID, filename, userGUID string) error {
	_, driveRule, err := s.drive(ctx, driveUID, userGUID, func(acl.Rule) bool { return true })
	if err != nil {
		return err
	}
	rule := driveRule
	info, err := s.loadFile(ctx, driveUID, filename)
	switch {
	case err == nil:
		rule = info.Latest().Rule(userGUID, driveRule)
	case !errors.Is(err, ErrFileNotFound):
		return err
	}
	if !rule.CanWrite() {
		return fmt.Errorf("%w: cannot write %s", auth.ErrPermissionDenied, filename)
	}
	return nil
}

// UploadFile starts or completes an upload. Files carrying inline
// data are stored at once. Otherwise the caller gets a chunk uploader
// when handle.Chunked is set, or else a write PAR encrypted to
// encryptKey. The authorisation resource is
// "upload <drive uid> <filename>".
func (s *Service) UploadFile(ctx context.Context, a *auth.Authorisation, driveUID string, handle FileHandle, encryptKey *keys.PublicKey) (*UploadResult, error) {
	filename, err := handle.validate()
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, a, "upload "+driveUID+" "+handle.Filename); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	if err := s.writable(ctx, driveUID, filename, userGUID); err != nil {
		return nil, err
	}

	version := VersionInfo{
		FileUID:  uuid.NewString(),
		Filename: filename,
		Filesize: handle.Filesize,
		Checksum: handle.Checksum,
		UserGUID: userGUID,
		Datetime: s.now(),
		ACL:      handle.ACL,
	}

	switch {
	case len(handle.Data) > 0:
		return s.uploadInline(ctx, driveUID, handle, version)
	case handle.Chunked:
		return s.openUploader(ctx, driveUID, handle, version)
	default:
		return s.uploadPAR(ctx, driveUID, version, encryptKey)
	}
}

func (s *Service) uploadInline(ctx context.Context, driveUID string, handle FileHandle, version VersionInfo) (*UploadResult, error) {
	if int64(len(handle.Data)) > s.inlineLimit {
		return nil, fmt.Errorf("%w: %d bytes is over the inline limit of %d", ErrFileHandle, len(handle.Data), s.inlineLimit)
	}
	if int64(len(handle.Data)) != handle.Filesize || Checksum(handle.Data) != handle.Checksum {
		return nil, fmt.Errorf("%w: inline data for %s", ErrChecksumMismatch, version.Filename)
	}
	stored, compression, err := compress(handle.Data, handle.Compression)
	if err != nil {
		return nil, err
	}
	if err := s.data.Set(ctx, dataKey(driveUID, version.FileUID), stored); err != nil {
		return nil, err
	}
	version.Compression = compression
	if err := s.recordVersion(ctx, driveUID, version); err != nil {
		return nil, err
	}
	return &UploadResult{Version: &version}, nil
}

func (s *Service) openUploader(ctx context.Context, driveUID string, handle FileHandle, version VersionInfo) (*UploadResult, error) {
	secret := keys.RandomHex(16)
	version.Compression = handle.Compression
	record := uploader{
		UID:        uuid.NewString(),
		SecretHash: keys.Fingerprint([]byte(secret)),
		Version:    version,
	}
	if err := s.bucket.SetJSON(ctx, uploaderKey(driveUID, version.FileUID), record); err != nil {
		return nil, err
	}
	return &UploadResult{Uploader: &UploaderTicket{
		UploaderUID: record.UID,
		FileUID:     version.FileUID,
		Secret:      secret,
	}}, nil
}

func (s *Service) uploadPAR(ctx context.Context, driveUID string, version VersionInfo, encryptKey *keys.PublicKey) (*UploadResult, error) {
	if encryptKey == nil {
		return nil, fmt.Errorf("%w: a PAR upload needs an encryption key", ErrFileHandle)
	}
	if version.Filesize <= 0 || version.Checksum == "" {
		return nil, fmt.Errorf("%w: a PAR upload needs the file size and checksum", ErrFileHandle)
	}
	version.Compression = CompressionNone
	key := dataKey(driveUID, version.FileUID)
	if err := s.data.Set(ctx, key, nil); err != nil {
		return nil, err
	}
	args, err := json.Marshal(pendingUpload{DriveUID: driveUID, Version: version})
	if err != nil {
		return nil, err
	}
	par, err := s.store.CreatePAR(ctx, s.data, encryptKey, objstore.CreatePAROptions{
		Key:       key,
		Writeable: true,
		Duration:  s.parDuration,
		Cleanup:   &objstore.Function{Name: FunctionFinaliseUpload, Args: args},
	})
	if err != nil {
		s.data.Delete(ctx, key)
		return nil, err
	}
	return &UploadResult{PAR: par}, nil
}

// finaliseUpload runs when an upload PAR closes. It records the
// version if the uploaded object has the declared size and checksum,
// and deletes it otherwise.
func (s *Service) finaliseUpload(ctx context.Context, par *objstore.PAR, raw json.RawMessage) error {
	var pending pendingUpload
	if err := json.Unmarshal(raw, &pending); err != nil {
		return fmt.Errorf("storage: decoding pending upload for par %s: %w", par.UID, err)
	}
	version := pending.Version
	key := dataKey(pending.DriveUID, version.FileUID)
	size, checksum, err := s.data.SizeAndChecksum(ctx, key)
	if err != nil {
		return err
	}
	if size != version.Filesize || checksum != version.Checksum {
		s.logger.Warn("discarding mismatched upload",
			"drive", pending.DriveUID,
			"filename", version.Filename,
			"size", size,
			"declared_size", version.Filesize,
		)
		return errors.Join(fmt.Errorf("%w: %s", ErrChecksumMismatch, version.Filename), s.data.Delete(ctx, key))
	}
	return s.recordVersion(ctx, pending.DriveUID, version)
}

// UploadChunk stores chunk index (1-based) of a chunked upload. The
// chunk must match checksum, and index may replace an earlier chunk
// or append the next one.
func (s *Service) UploadChunk(ctx context.Context, driveUID, fileUID string, index int, secret string, chunk []byte, checksum string) error {
	if Checksum(chunk) != checksum {
		return fmt.Errorf("%w: chunk %d of %s", ErrChecksumMismatch, index, fileUID)
	}
	key := uploaderKey(driveUID, fileUID)
	return objstore.WithMutex(ctx, s.bucket, "uploader/"+fileUID, objstore.MutexOptions{Clock: s.clock}, func() error {
		record, err := s.loadUploader(ctx, key, secret)
		if err != nil {
			return err
		}
		chunks := record.Version.Chunks
		if index < 1 || index > len(chunks)+1 {
			return fmt.Errorf("%w: chunk %d follows %d chunks", ErrFileHandle, index, len(chunks))
		}
		stored, compression, err := compress(chunk, record.Version.Compression)
		if err != nil {
			return err
		}
		if err := s.data.SetChunk(ctx, dataKey(driveUID, fileUID), index, stored); err != nil {
			return err
		}
		info := ChunkInfo{Size: int64(len(chunk)), Checksum: checksum, Compression: compression}
		if index == len(chunks)+1 {
			record.Version.Chunks = append(chunks, info)
		} else {
			chunks[index-1] = info
		}
		return s.bucket.SetJSON(ctx, key, record)
	})
}

func (s *Service) loadUploader(ctx context.Context, key, secret string) (*uploader, error) {
	var record uploader
	if err := s.bucket.GetJSON(ctx, key, &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, ErrUploaderClosed
		}
		return nil, err
	}
	if !secretMatches(secret, record.SecretHash) {
		return nil, auth.ErrPermissionDenied
	}
	if record.Closed {
		return nil, ErrUploaderClosed
	}
	return &record, nil
}

// CloseUploader finishes a chunked upload. The chunks must add up to
// the declared size and checksum, if they were declared; the version
// is then recorded.
func (s *Service) CloseUploader(ctx context.Context, driveUID, fileUID, secret string) (*VersionInfo, error) {
	key := uploaderKey(driveUID, fileUID)
	var version VersionInfo
	err := objstore.WithMutex(ctx, s.bucket, "uploader/"+fileUID, objstore.MutexOptions{Clock: s.clock}, func() error {
		record, err := s.loadUploader(ctx, key, secret)
		if err != nil {
			return err
		}
		version = record.Version
		size, checksum, err := s.chunkedChecksum(ctx, driveUID, &version)
		if err != nil {
			return err
		}
		if version.Filesize == 0 && version.Checksum == "" {
			version.Filesize, version.Checksum = size, checksum
		}
		if size != version.Filesize || checksum != version.Checksum {
			return fmt.Errorf("%w: %s has %d bytes, declared %d", ErrChecksumMismatch, version.Filename, size, version.Filesize)
		}
		record.Version = version
		record.Closed = true
		if err := s.bucket.SetJSON(ctx, key, record); err != nil {
			return err
		}
		return s.recordVersion(ctx, driveUID, version)
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// chunkedChecksum reads back every chunk and returns the total size
// and MD5 of the uncompressed contents.
func (s *Service) chunkedChecksum(ctx context.Context, driveUID string, v *VersionInfo) (int64, string, error) {
	hash := md5.New()
	var size int64
	for i := range v.Chunks {
		chunk, err := s.readChunk(ctx, driveUID, v, i+1)
		if err != nil {
			return 0, "", err
		}
		hash.Write(chunk)
		size += int64(len(chunk))
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}
