// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/service"
)

// RPC function names.
const (
	FunctionOpenDrive       = "open_drive"
	FunctionListDrives      = "list_drives"
	FunctionListFiles       = "list_files"
	FunctionListVersions    = "list_versions"
	FunctionSetPermission   = "set_permission"
	FunctionUploadFile      = "upload_file"
	FunctionUploadChunk     = "upload_chunk"
	FunctionCloseUploader   = "close_uploader"
	FunctionDownload        = "download"
	FunctionDownloadChunk   = "download_chunk"
	FunctionCloseDownloader = "close_downloader"
	FunctionCloseOSPar      = "close_ospar"
	FunctionResolvePAR      = "resolve_par"
)

type driveArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	Name          string              `json:"name,omitempty"`
	DriveUID      string              `json:"drive_uid,omitempty"`
	Filename      string              `json:"filename,omitempty"`
}

type permissionArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	DriveUID      string              `json:"drive_uid"`
	UserGUID      string              `json:"user_guid"`
	Rule          acl.Rule            `json:"aclrule"`
}

type uploadArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	DriveUID      string              `json:"drive_uid"`
	FileHandle    FileHandle          `json:"filehandle"`
	EncryptKey    *keys.PublicKey     `json:"encryption_key,omitempty"`
}

type chunkArgs struct {
	DriveUID string `json:"drive_uid"`
	FileUID  string `json:"file_uid,omitempty"`
	UID      string `json:"downloader_uid,omitempty"`
	Index    int    `json:"chunk_index"`
	Secret   string `json:"secret"`
	Data     []byte `json:"data,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

type downloadArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	DriveUID      string              `json:"drive_uid"`
	Filename      string              `json:"filename"`
	Version       string              `json:"version,omitempty"`
	Chunked       bool                `json:"chunked,omitempty"`
	EncryptKey    *keys.PublicKey     `json:"encryption_key,omitempty"`
}

type parArgs struct {
	PARUID      string `json:"par_uid"`
	URLChecksum string `json:"url_checksum"`
}

// Register adds the storage functions to d.
func (s *Service) Register(d *service.Dispatcher) {
	d.Handle(FunctionOpenDrive, func(ctx context.Context, req *service.Request) (any, error) {
		var args driveArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.OpenDrive(ctx, args.Authorisation, args.Name)
	})
	d.Handle(FunctionListDrives, func(ctx context.Context, req *service.Request) (any, error) {
		var args driveArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		drives, err := s.ListDrives(ctx, args.Authorisation)
		if err != nil {
			return nil, err
		}
		return map[string][]DriveSummary{"drives": drives}, nil
	})
	d.Handle(FunctionListFiles, func(ctx context.Context, req *service.Request) (any, error) {
		var args driveArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		files, err := s.ListFiles(ctx, args.Authorisation, args.DriveUID)
		if err != nil {
			return nil, err
		}
		return map[string][]VersionInfo{"files": files}, nil
	})
	d.Handle(FunctionListVersions, func(ctx context.Context, req *service.Request) (any, error) {
		var args driveArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		versions, err := s.ListVersions(ctx, args.Authorisation, args.DriveUID, args.Filename)
		if err != nil {
			return nil, err
		}
		return map[string][]VersionInfo{"versions": versions}, nil
	})
	d.Handle(FunctionSetPermission, func(ctx context.Context, req *service.Request) (any, error) {
		var args permissionArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.SetPermission(ctx, args.Authorisation, args.DriveUID, args.UserGUID, args.Rule)
	})
	d.Handle(FunctionUploadFile, func(ctx context.Context, req *service.Request) (any, error) {
		var args uploadArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.UploadFile(ctx, args.Authorisation, args.DriveUID, args.FileHandle, args.EncryptKey)
	})
	d.Handle(FunctionUploadChunk, func(ctx context.Context, req *service.Request) (any, error) {
		var args chunkArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, s.UploadChunk(ctx, args.DriveUID, args.FileUID, args.Index, args.Secret, args.Data, args.Checksum)
	})
	d.Handle(FunctionCloseUploader, func(ctx context.Context, req *service.Request) (any, error) {
		var args chunkArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.CloseUploader(ctx, args.DriveUID, args.FileUID, args.Secret)
	})
	d.Handle(FunctionDownload, func(ctx context.Context, req *service.Request) (any, error) {
		var args downloadArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.Download(ctx, args.Authorisation, args.DriveUID, args.Filename, DownloadOptions{
			Version:    args.Version,
			Chunked:    args.Chunked,
			EncryptKey: args.EncryptKey,
		})
	})
	d.Handle(FunctionDownloadChunk, func(ctx context.Context, req *service.Request) (any, error) {
		var args chunkArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.DownloadChunk(ctx, args.DriveUID, args.UID, args.Index, args.Secret)
	})
	d.Handle(FunctionCloseDownloader, func(ctx context.Context, req *service.Request) (any, error) {
		var args chunkArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, s.CloseDownloader(ctx, args.DriveUID, args.UID, args.Secret)
	})
	d.Handle(FunctionCloseOSPar, func(ctx context.Context, req *service.Request) (any, error) {
		var args parArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, s.CloseOSPar(ctx, args.PARUID, args.URLChecksum)
	})
	d.Handle(FunctionResolvePAR, func(ctx context.Context, req *service.Request) (any, error) {
		var args parArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.ResolvePAR(ctx, args.PARUID, args.URLChecksum)
	})
}
