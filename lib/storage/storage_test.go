// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/storage"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

const (
	identityUID = "a0a0a1"
	inlineLimit = 64
)

// sessions approves one session per user, session "s-<user>".
type sessions map[string]*keys.PrivateKey

func (s sessions) FetchSession(_ context.Context, identity, sessionUID string) (auth.SessionInfo, error) {
	user := strings.TrimPrefix(sessionUID, "s-")
	key, ok := s[user]
	if identity != identityUID || !ok {
		return auth.SessionInfo{}, errors.New("no such session")
	}
	return auth.SessionInfo{
		SessionUID:        sessionUID,
		UserUID:           user,
		Status:            auth.SessionApproved,
		PublicCertificate: key.PublicKey(),
	}, nil
}

type fixture struct {
	service  *storage.Service
	store    *objstore.Store
	clock    *clock.FakeClock
	sessions sessions
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	fake := clock.AutoAdvance(testutil.Epoch)
	store := objstoretest.NewStore(t, fake)
	known := sessions{}
	for _, user := range append([]string{"alice"}, users...) {
		known[user] = keys.MustGenerate()
	}
	return &fixture{
		service: storage.New(storage.Config{
			Store:       store,
			Bucket:      objstoretest.NewBucket(t, store, "storage"),
			Data:        objstoretest.NewBucket(t, store, "storage-data"),
			Verifier:    auth.NewVerifier(auth.VerifierConfig{Sessions: known, Clock: fake}),
			InlineLimit: inlineLimit,
			Clock:       fake,
		}),
		store:    store,
		clock:    fake,
		sessions: known,
	}
}

func (f *fixture) authorise(user, resource string) *auth.Authorisation {
	return auth.Create(f.sessions[user], user, "s-"+user, identityUID, resource, f.clock.Now())
}

func guid(user string) string { return user + "@" + identityUID }

func (f *fixture) openDrive(t *testing.T, user, name string) *storage.DriveInfo {
	t.Helper()
	drive, err := f.service.OpenDrive(context.Background(), f.authorise(user, "open_drive "+name), name)
	if err != nil {
		t.Fatalf("OpenDrive: %v", err)
	}
	return drive
}

func (f *fixture) upload(user, driveUID string, handle storage.FileHandle, encryptKey *keys.PublicKey) (*storage.UploadResult, error) {
	a := f.authorise(user, "upload "+driveUID+" "+handle.Filename)
	return f.service.UploadFile(context.Background(), a, driveUID, handle, encryptKey)
}

func (f *fixture) download(user, driveUID, filename string, opts storage.DownloadOptions) (*storage.DownloadResult, error) {
	a := f.authorise(user, "download "+driveUID+" "+filename)
	return f.service.Download(context.Background(), a, driveUID, filename, opts)
}

func (f *fixture) setPermission(user, driveUID, grantee string, rule acl.Rule) (*storage.DriveInfo, error) {
	a := f.authorise(user, "set_permission "+driveUID+" "+grantee)
	return f.service.SetPermission(context.Background(), a, driveUID, grantee, rule)
}

func inline(filename string, data []byte) storage.FileHandle {
	return storage.FileHandle{
		Filename: filename,
		Filesize: int64(len(data)),
		Checksum: storage.Checksum(data),
		Data:     data,
	}
}

func TestOpenDriveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.openDrive(t, "alice", "home")
	second := f.openDrive(t, "alice", "home")
	if first.UID != second.UID {
		t.Fatalf("reopened drive has uid %s, want %s", second.UID, first.UID)
	}
	if !first.Rule(guid("alice")).IsOwner() {
		t.Fatalf("creator rule = %s, want owner", first.Rule(guid("alice")))
	}

	f.openDrive(t, "alice", "archive")
	drives, err := f.service.ListDrives(context.Background(), f.authorise("alice", "list_drives"))
	if err != nil {
		t.Fatalf("ListDrives: %v", err)
	}
	if len(drives) != 2 || drives[0].Name != "archive" || drives[1].Name != "home" {
		t.Fatalf("ListDrives = %+v", drives)
	}
}

func TestInlineUploadKeepsVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")

	first := []byte("short note")
	second := []byte(strings.Repeat("a longer, more repetitive note. ", 2))[:60]
	if _, err := f.upload("alice", drive.UID, inline("notes/today.txt", first), nil); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	result, err := f.upload("alice", drive.UID, inline("notes/today.txt", second), nil)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if result.Version == nil || result.Version.Filename != "notes/today.txt" {
		t.Fatalf("UploadFile = %+v", result)
	}

	got, err := f.download("alice", drive.UID, "notes/today.txt", storage.DownloadOptions{})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got.Data, second) {
		t.Fatalf("latest data = %q, want %q", got.Data, second)
	}

	versions, err := f.service.ListVersions(ctx, f.authorise("alice", "list_versions "+drive.UID+" notes/today.txt"), drive.UID, "notes/today.txt")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("ListVersions returned %d versions, want 2", len(versions))
	}
	old, err := f.download("alice", drive.UID, "notes/today.txt", storage.DownloadOptions{Version: versions[0].FileUID})
	if err != nil {
		t.Fatalf("Download first version: %v", err)
	}
	if !bytes.Equal(old.Data, first) {
		t.Fatalf("first version data = %q, want %q", old.Data, first)
	}

	files, err := f.service.ListFiles(ctx, f.authorise("alice", "list_files "+drive.UID), drive.UID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].FileUID != versions[1].FileUID {
		t.Fatalf("ListFiles = %+v", files)
	}
}

func TestInlineUploadRefusals(t *testing.T) {
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")

	bad := inline("a.txt", []byte("contents"))
	bad.Checksum = storage.Checksum([]byte("other"))
	_, err := f.upload("alice", drive.UID, bad, nil)
	testutil.RequireErrorIs(t, err, storage.ErrChecksumMismatch)

	_, err = f.upload("alice", drive.UID, inline("big.bin", bytes.Repeat([]byte{1}, inlineLimit+1)), nil)
	testutil.RequireErrorIs(t, err, storage.ErrFileHandle)

	_, err = f.upload("alice", drive.UID, inline("", []byte("x")), nil)
	testutil.RequireErrorIs(t, err, storage.ErrFileHandle)

	_, err = f.download("alice", drive.UID, "missing.txt", storage.DownloadOptions{})
	testutil.RequireErrorIs(t, err, storage.ErrFileNotFound)
}

func TestChunkedUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")

	data := bytes.Repeat([]byte("chunk me please "), 20)
	parts := [][]byte{data[:100], data[100:200], data[200:]}
	result, err := f.upload("alice", drive.UID, storage.FileHandle{
		Filename: "big.txt",
		Filesize: int64(len(data)),
		Checksum: storage.Checksum(data),
		Chunked:  true,
	}, nil)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	ticket := result.Uploader
	if ticket == nil {
		t.Fatalf("UploadFile = %+v, want an uploader", result)
	}

	err = f.service.UploadChunk(ctx, drive.UID, ticket.FileUID, 1, "wrong", parts[0], storage.Checksum(parts[0]))
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
	err = f.service.UploadChunk(ctx, drive.UID, ticket.FileUID, 2, ticket.Secret, parts[1], storage.Checksum(parts[1]))
	testutil.RequireErrorIs(t, err, storage.ErrFileHandle)

	for i, part := range parts {
		if err := f.service.UploadChunk(ctx, drive.UID, ticket.FileUID, i+1, ticket.Secret, part, storage.Checksum(part)); err != nil {
			t.Fatalf("UploadChunk %d: %v", i+1, err)
		}
	}
	version, err := f.service.CloseUploader(ctx, drive.UID, ticket.FileUID, ticket.Secret)
	if err != nil {
		t.Fatalf("CloseUploader: %v", err)
	}
	if len(version.Chunks) != 3 {
		t.Fatalf("version has %d chunks, want 3", len(version.Chunks))
	}
	err = f.service.UploadChunk(ctx, drive.UID, ticket.FileUID, 4, ticket.Secret, parts[0], storage.Checksum(parts[0]))
	testutil.RequireErrorIs(t, err, storage.ErrUploaderClosed)

	download, err := f.download("alice", drive.UID, "big.txt", storage.DownloadOptions{Chunked: true})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if download.Downloader == nil || download.Downloader.NumChunks != 3 {
		t.Fatalf("Download = %+v, want a three chunk downloader", download)
	}
	var got []byte
	for i := 1; i <= download.Downloader.NumChunks; i++ {
		chunk, err := f.service.DownloadChunk(ctx, drive.UID, download.Downloader.DownloaderUID, i, download.Downloader.Secret)
		if err != nil {
			t.Fatalf("DownloadChunk %d: %v", i, err)
		}
		if chunk.Checksum != storage.Checksum(chunk.Data) {
			t.Fatalf("chunk %d checksum mismatch", i)
		}
		got = append(got, chunk.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("downloaded %d bytes that differ from the %d uploaded", len(got), len(data))
	}

	if err := f.service.CloseDownloader(ctx, drive.UID, download.Downloader.DownloaderUID, download.Downloader.Secret); err != nil {
		t.Fatalf("CloseDownloader: %v", err)
	}
	_, err = f.service.DownloadChunk(ctx, drive.UID, download.Downloader.DownloaderUID, 1, download.Downloader.Secret)
	testutil.RequireErrorIs(t, err, storage.ErrUploaderClosed)
}

func TestCloseUploaderChecksSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")

	result, err := f.upload("alice", drive.UID, storage.FileHandle{
		Filename: "short.bin",
		Filesize: 10,
		Checksum: storage.Checksum([]byte("0123456789")),
		Chunked:  true,
	}, nil)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	ticket := result.Uploader
	part := []byte("01234")
	if err := f.service.UploadChunk(ctx, drive.UID, ticket.FileUID, 1, ticket.Secret, part, storage.Checksum(part)); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	_, err = f.service.CloseUploader(ctx, drive.UID, ticket.FileUID, ticket.Secret)
	testutil.RequireErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestPARUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")
	holder := keys.MustGenerate()

	data := bytes.Repeat([]byte{0x5a}, 3*inlineLimit)
	result, err := f.upload("alice", drive.UID, storage.FileHandle{
		Filename: "blob.bin",
		Filesize: int64(len(data)),
		Checksum: storage.Checksum(data),
	}, holder.PublicKey())
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	par := result.PAR
	if par == nil || !par.Writeable || par.Readable {
		t.Fatalf("UploadFile = %+v, want a write-only PAR", result)
	}
	if err := par.Write(ctx, f.store, holder, data); err != nil {
		t.Fatalf("PAR.Write: %v", err)
	}

	resolved, err := f.service.ResolvePAR(ctx, par.UID, par.URLChecksum)
	if err != nil || resolved.UID != par.UID {
		t.Fatalf("ResolvePAR = %+v, %v", resolved, err)
	}
	_, err = f.service.ResolvePAR(ctx, par.UID, "wrong")
	testutil.RequireErrorIs(t, err, objstore.ErrPARDenied)
	testutil.RequireErrorIs(t, f.service.CloseOSPar(ctx, par.UID, ""), objstore.ErrPARDenied)

	if err := f.service.CloseOSPar(ctx, par.UID, par.URLChecksum); err != nil {
		t.Fatalf("CloseOSPar: %v", err)
	}
	if err := par.Write(ctx, f.store, holder, data); err == nil {
		t.Fatal("PAR.Write after close succeeded")
	}

	download, err := f.download("alice", drive.UID, "blob.bin", storage.DownloadOptions{EncryptKey: holder.PublicKey()})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if download.PAR == nil {
		t.Fatalf("Download = %+v, want a read PAR", download)
	}
	got, err := download.PAR.Read(ctx, f.store, holder)
	if err != nil {
		t.Fatalf("PAR.Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("PAR download differs from the upload")
	}
}

func TestPARUploadMismatchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")
	holder := keys.MustGenerate()

	data := bytes.Repeat([]byte{1}, 100)
	result, err := f.upload("alice", drive.UID, storage.FileHandle{
		Filename: "blob.bin",
		Filesize: int64(len(data)),
		Checksum: storage.Checksum(data),
	}, holder.PublicKey())
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if err := result.PAR.Write(ctx, f.store, holder, data[:50]); err != nil {
		t.Fatalf("PAR.Write: %v", err)
	}
	err = f.service.CloseOSPar(ctx, result.PAR.UID, result.PAR.URLChecksum)
	testutil.RequireErrorIs(t, err, storage.ErrChecksumMismatch)

	_, err = f.download("alice", drive.UID, "blob.bin", storage.DownloadOptions{})
	testutil.RequireErrorIs(t, err, storage.ErrFileNotFound)
}

func TestPARUploadNeedsEncryptionKey(t *testing.T) {
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")
	_, err := f.upload("alice", drive.UID, storage.FileHandle{Filename: "x", Filesize: 10, Checksum: "00"}, nil)
	testutil.RequireErrorIs(t, err, storage.ErrFileHandle)
}

func TestStrangersCannotSeeDrive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "bob")
	drive := f.openDrive(t, "alice", "shared")
	if _, err := f.upload("alice", drive.UID, inline("a.txt", []byte("alpha")), nil); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	_, err := f.download("bob", drive.UID, "a.txt", storage.DownloadOptions{})
	testutil.RequireErrorIs(t, err, storage.ErrDriveNotFound)

	if _, err := f.setPermission("alice", drive.UID, guid("bob"), acl.Reader()); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	drives, err := f.service.ListDrives(ctx, f.authorise("bob", "list_drives"))
	if err != nil {
		t.Fatalf("ListDrives: %v", err)
	}
	if len(drives) != 1 || drives[0].UID != drive.UID || drives[0].Rule.CanWrite() {
		t.Fatalf("bob's drives = %+v", drives)
	}
	got, err := f.download("bob", drive.UID, "a.txt", storage.DownloadOptions{})
	if err != nil || string(got.Data) != "alpha" {
		t.Fatalf("reader Download = %+v, %v", got, err)
	}
	_, err = f.upload("bob", drive.UID, inline("b.txt", []byte("beta")), nil)
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = f.setPermission("bob", drive.UID, guid("bob"), acl.Owner())
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
}

func TestFileACLOverridesDrive(t *testing.T) {
	f := newFixture(t, "bob")
	drive := f.openDrive(t, "alice", "shared")
	if _, err := f.setPermission("alice", drive.UID, guid("bob"), acl.Reader()); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	private := inline("private.txt", []byte("secret"))
	inherit := acl.Inherit()
	rules := acl.ForUser(guid("bob"), acl.Denied())
	rules.Default = &inherit
	private.ACL = &rules
	if _, err := f.upload("alice", drive.UID, private, nil); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	_, err := f.download("bob", drive.UID, "private.txt", storage.DownloadOptions{})
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
	if _, err := f.download("alice", drive.UID, "private.txt", storage.DownloadOptions{}); err != nil {
		t.Fatalf("owner Download: %v", err)
	}
}

func TestLastOwnerCannotLeave(t *testing.T) {
	f := newFixture(t, "bob")
	drive := f.openDrive(t, "alice", "home")

	_, err := f.setPermission("alice", drive.UID, guid("alice"), acl.Reader())
	testutil.RequireErrorIs(t, err, storage.ErrLastOwner)
	_, err = f.setPermission("alice", drive.UID, guid("alice"), acl.Inherit())
	testutil.RequireErrorIs(t, err, storage.ErrLastOwner)

	if _, err := f.setPermission("alice", drive.UID, guid("bob"), acl.Owner()); err != nil {
		t.Fatalf("granting a second owner: %v", err)
	}
	updated, err := f.setPermission("alice", drive.UID, guid("alice"), acl.Inherit())
	if err != nil {
		t.Fatalf("first owner leaving: %v", err)
	}
	if updated.Owners() != 1 || !updated.Rule(guid("bob")).IsOwner() {
		t.Fatalf("drive ACL after leaving = %v", updated.ACL)
	}
}

// TestRandomPermissionChangesKeepAnOwner applies random permission
// changes by random users and checks the drive always has an owner.
func TestRandomPermissionChangesKeepAnOwner(t *testing.T) {
	ctx := context.Background()
	users := []string{"alice", "bob", "carol", "dave"}
	f := newFixture(t, users[1:]...)
	drive := f.openDrive(t, "alice", "home")
	rules := []acl.Rule{acl.Owner(), acl.Writer(), acl.Reader(), acl.Denied(), acl.Inherit()}
	random := rand.New(rand.NewPCG(1, 2))

	for step := range 200 {
		actor := users[random.IntN(len(users))]
		grantee := users[random.IntN(len(users))]
		rule := rules[random.IntN(len(rules))]
		_, err := f.setPermission(actor, drive.UID, guid(grantee), rule)
		if err != nil &&
			!errors.Is(err, storage.ErrLastOwner) &&
			!errors.Is(err, storage.ErrDriveNotFound) &&
			!errors.Is(err, auth.ErrPermissionDenied) {
			t.Fatalf("step %d: %s sets %s to %s: %v", step, actor, grantee, rule, err)
		}

		owners := 0
		for _, user := range users {
			drives, err := f.service.ListDrives(ctx, f.authorise(user, "list_drives"))
			if err != nil {
				t.Fatalf("step %d: ListDrives(%s): %v", step, user, err)
			}
			for _, d := range drives {
				if d.UID == drive.UID && d.Rule.IsOwner() {
					owners++
				}
			}
		}
		if owners == 0 {
			t.Fatalf("step %d: drive has no owner after %s set %s to %s", step, actor, grantee, rule)
		}
	}
}

func TestAuthorisationMustMatchResource(t *testing.T) {
	f := newFixture(t)
	drive := f.openDrive(t, "alice", "home")
	a := f.authorise("alice", fmt.Sprintf("download %s other.txt", drive.UID))
	_, err := f.service.Download(context.Background(), a, drive.UID, "a.txt", storage.DownloadOptions{})
	testutil.RequireErrorIs(t, err, auth.ErrResourceMismatch)
}
