// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const downloadersPrefix = "storage/downloaders/"

// DownloadOptions select what Download returns.
type DownloadOptions struct {
	// Version is a file uid; empty means the latest version.
	Version string

	// Chunked asks for a chunk downloader.
	Chunked bool

	// EncryptKey receives the PAR URL for large files.
	EncryptKey *keys.PublicKey
}

// DownloadResult is returned by Download. Version is always set, with
// exactly one of Data, PAR and Downloader.
type DownloadResult struct {
	Version    *VersionInfo      `json:"filemeta"`
	Data       []byte            `json:"filedata,omitempty"`
	PAR        *objstore.PAR     `json:"download_par,omitempty"`
	Downloader *DownloaderTicket `json:"downloader,omitempty"`
}

// DownloaderTicket identifies a chunk downloader.
type DownloaderTicket struct {
	DownloaderUID string `json:"downloader_uid"`
	Secret        string `json:"secret"`
	NumChunks     int    `json:"num_chunks"`
}

// downloader is stored at storage/downloaders/<drive>/<uid>.
type downloader struct {
	SecretHash string      `json:"secret_hash"`
	Version    VersionInfo `json:"version"`
}

func downloaderKey(driveUID, uid string) string {
	return downloadersPrefix + driveUID + "/" + uid
}

// numChunks is how many chunks a downloader serves for v: its stored
// chunks, or one for an object stored whole.
func numChunks(v *VersionInfo) int {
	return max(len(v.Chunks), 1)
}

// Download returns a file version. Small files come back inline;
// larger ones through a read PAR encrypted to opts.EncryptKey, or
// through a chunk downloader when asked for or when the stored bytes
// are compressed. The authorisation resource is
// "download <drive uid> <filename>".
func (s *Service) Download(ctx context.Context, a *auth.Authorisation, driveUID, filename string, opts DownloadOptions) (*DownloadResult, error) {
	if err := s.verify(ctx, a, "download "+driveUID+" "+filename); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	_, driveRule, err := s.drive(ctx, driveUID, userGUID, func(acl.Rule) bool { return true })
	if err != nil {
		return nil, err
	}
	info, err := s.loadFile(ctx, driveUID, filename)
	if err != nil {
		return nil, err
	}
	version, err := info.Version(opts.Version)
	if err != nil {
		return nil, err
	}
	if !version.Rule(userGUID, driveRule).CanRead() {
		return nil, fmt.Errorf("%w: cannot read %s", auth.ErrPermissionDenied, filename)
	}

	switch {
	case opts.Chunked || (version.Filesize > s.inlineLimit && !version.IsPlain()):
		return s.openDownloader(ctx, driveUID, version)
	case version.Filesize <= s.inlineLimit:
		data, err := s.read(ctx, driveUID, version)
		if err != nil {
			return nil, err
		}
		return &DownloadResult{Version: version, Data: data}, nil
	default:
		if opts.EncryptKey == nil {
			return nil, fmt.Errorf("%w: downloading a large file needs an encryption key", ErrFileHandle)
		}
		par, err := s.store.CreatePAR(ctx, s.data, opts.EncryptKey, objstore.CreatePAROptions{
			Key:      dataKey(driveUID, version.FileUID),
			Readable: true,
			Duration: s.parDuration,
		})
		if err != nil {
			return nil, err
		}
		return &DownloadResult{Version: version, PAR: par}, nil
	}
}

func (s *Service) openDownloader(ctx context.Context, driveUID string, version *VersionInfo) (*DownloadResult, error) {
	uid := uuid.NewString()
	secret := keys.RandomHex(16)
	record := downloader{SecretHash: keys.Fingerprint([]byte(secret)), Version: *version}
	if err := s.bucket.SetJSON(ctx, downloaderKey(driveUID, uid), record); err != nil {
		return nil, err
	}
	return &DownloadResult{
		Version: version,
		Downloader: &DownloaderTicket{
			DownloaderUID: uid,
			Secret:        secret,
			NumChunks:     numChunks(version),
		},
	}, nil
}

// read returns the whole uncompressed contents of a version.
func (s *Service) read(ctx context.Context, driveUID string, v *VersionInfo) ([]byte, error) {
	if len(v.Chunks) == 0 {
		return s.readChunk(ctx, driveUID, v, 1)
	}
	var data []byte
	for i := range v.Chunks {
		chunk, err := s.readChunk(ctx, driveUID, v, i+1)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// readChunk returns uncompressed chunk index (1-based). An object
// stored whole is its own single chunk.
func (s *Service) readChunk(ctx context.Context, driveUID string, v *VersionInfo, index int) ([]byte, error) {
	if index < 1 || index > numChunks(v) {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrFileHandle, index, numChunks(v))
	}
	key := dataKey(driveUID, v.FileUID)
	if len(v.Chunks) == 0 {
		stored, err := s.data.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return decompress(stored, v.Compression, int(v.Filesize))
	}
	info := v.Chunks[index-1]
	stored, err := s.data.Chunk(ctx, key, index)
	if err != nil {
		return nil, err
	}
	chunk, err := decompress(stored, info.Compression, int(info.Size))
	if err != nil {
		return nil, err
	}
	if Checksum(chunk) != info.Checksum {
		return nil, fmt.Errorf("%w: stored chunk %d of %s", ErrChecksumMismatch, index, v.FileUID)
	}
	return chunk, nil
}

// Chunk is one chunk returned by DownloadChunk.
type Chunk struct {
	Data      []byte `json:"chunk"`
	Checksum  string `json:"checksum"`
	NumChunks int    `json:"num_chunks"`
}

// DownloadChunk returns chunk index (1-based) through a downloader.
func (s *Service) DownloadChunk(ctx context.Context, driveUID, downloaderUID string, index int, secret string) (*Chunk, error) {
	record, err := s.loadDownloader(ctx, driveUID, downloaderUID, secret)
	if err != nil {
		return nil, err
	}
	data, err := s.readChunk(ctx, driveUID, &record.Version, index)
	if err != nil {
		return nil, err
	}
	return &Chunk{Data: data, Checksum: Checksum(data), NumChunks: numChunks(&record.Version)}, nil
}

func (s *Service) loadDownloader(ctx context.Context, driveUID, uid, secret string) (*downloader, error) {
	var record downloader
	if err := s.bucket.GetJSON(ctx, downloaderKey(driveUID, uid), &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, ErrUploaderClosed
		}
		return nil, err
	}
	if !secretMatches(secret, record.SecretHash) {
		return nil, auth.ErrPermissionDenied
	}
	return &record, nil
}

// CloseDownloader ends a downloader.
func (s *Service) CloseDownloader(ctx context.Context, driveUID, downloaderUID, secret string) error {
	if _, err := s.loadDownloader(ctx, driveUID, downloaderUID, secret); err != nil {
		return err
	}
	return s.bucket.Delete(ctx, downloaderKey(driveUID, downloaderUID))
}

// CloseOSPar closes an upload or download PAR. Closing an upload PAR
// records the uploaded version.
func (s *Service) CloseOSPar(ctx context.Context, parUID, urlChecksum string) error {
	if urlChecksum == "" {
		return fmt.Errorf("%w: the url checksum is required", objstore.ErrPARDenied)
	}
	return s.store.ClosePAR(ctx, parUID, urlChecksum)
}

// ResolvePAR describes an open PAR to whoever can show its URL
// checksum.
func (s *Service) ResolvePAR(ctx context.Context, parUID, urlChecksum string) (*objstore.PAR, error) {
	par, err := s.store.PARs().Lookup(ctx, parUID)
	if err != nil {
		return nil, err
	}
	if par.URLChecksum != urlChecksum {
		return nil, objstore.ErrPARDenied
	}
	if par.IsExpired(s.now()) {
		return nil, objstore.ErrPARExpired
	}
	return par, nil
}
