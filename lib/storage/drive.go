// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	drivePrefix      = "storage/drive/"
	userDrivesPrefix = "storage/drives/"
)

// DriveInfo is stored at storage/drive/<uid>/info.
type DriveInfo struct {
	UID     string              `json:"uid"`
	Name    string              `json:"name"`
	ACL     map[string]acl.Rule `json:"acls"`
	Created time.Time           `json:"created"`
}

// Rule resolves the permissions of userGUID on the drive. Users with
// no entry have none.
func (d *DriveInfo) Rule(userGUID string) acl.Rule {
	rule, ok := d.ACL[userGUID]
	if !ok {
		return acl.Denied()
	}
	return rule.Denying()
}

// Owners counts the users who own the drive.
func (d *DriveInfo) Owners() int {
	n := 0
	for _, rule := range d.ACL {
		if rule.Denying().IsOwner() {
			n++
		}
	}
	return n
}

func driveKey(uid string) string { return drivePrefix + uid + "/info" }

func userDriveKey(userGUID, name string) string {
	return userDrivesPrefix + objstore.EncodeKey(userGUID) + "/" + objstore.EncodeKey(name)
}

func (s *Service) loadDrive(ctx context.Context, uid string) (*DriveInfo, error) {
	var drive DriveInfo
	if err := s.bucket.GetJSON(ctx, driveKey(uid), &drive); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDriveNotFound, uid)
		}
		return nil, err
	}
	return &drive, nil
}

// drive loads the drive and checks that userGUID holds at least the
// permission check requires. Callers that may not see the drive get
// ErrDriveNotFound.
func (s *Service) drive(ctx context.Context, uid, userGUID string, check func(acl.Rule) bool) (*DriveInfo, acl.Rule, error) {
	drive, err := s.loadDrive(ctx, uid)
	if err != nil {
		return nil, acl.Rule{}, err
	}
	rule := drive.Rule(userGUID)
	if rule.IsDenied() {
		return nil, acl.Rule{}, fmt.Errorf("%w: %s", ErrDriveNotFound, uid)
	}
	if !check(rule) {
		return nil, acl.Rule{}, fmt.Errorf("%w: %s on drive %s", auth.ErrPermissionDenied, rule, uid)
	}
	return drive, rule, nil
}

// OpenDrive returns the caller's drive called name, creating it with
// the caller as sole owner if it does not exist. The authorisation
// resource is "open_drive <name>".
func (s *Service) OpenDrive(ctx context.Context, a *auth.Authorisation, name string) (*DriveInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: a drive name is required", ErrDriveNotFound)
	}
	if err := s.verify(ctx, a, "open_drive "+name); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()

	stored, created, err := s.bucket.SetIns(ctx, userDriveKey(userGUID, name), []byte(uuid.NewString()))
	if err != nil {
		return nil, err
	}
	uid := string(stored)
	if created {
		drive := DriveInfo{
			UID:     uid,
			Name:    name,
			ACL:     map[string]acl.Rule{userGUID: acl.Owner()},
			Created: s.now(),
		}
		if _, err := s.bucket.SetInsJSON(ctx, driveKey(uid), drive, nil); err != nil {
			return nil, err
		}
		s.logger.Info("created drive", "drive", uid, "name", name, "owner", userGUID)
	}
	drive, _, err := s.drive(ctx, uid, userGUID, acl.Rule.CanRead)
	return drive, err
}

// DriveSummary is one entry of ListDrives.
type DriveSummary struct {
	UID  string   `json:"uid"`
	Name string   `json:"name"`
	Rule acl.Rule `json:"aclrule"`
}

// ListDrives returns the drives the caller can see, sorted by name.
// The authorisation resource is "list_drives".
func (s *Service) ListDrives(ctx context.Context, a *auth.Authorisation) ([]DriveSummary, error) {
	if err := s.verify(ctx, a, "list_drives"); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	index, err := s.bucket.GetAllStrings(ctx, userDrivesPrefix+objstore.EncodeKey(userGUID)+"/")
	if err != nil {
		return nil, err
	}
	var drives []DriveSummary
	for _, uid := range index {
		drive, err := s.loadDrive(ctx, uid)
		if errors.Is(err, ErrDriveNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rule := drive.Rule(userGUID)
		if rule.IsDenied() {
			continue
		}
		drives = append(drives, DriveSummary{UID: drive.UID, Name: drive.Name, Rule: rule})
	}
	sort.Slice(drives, func(i, j int) bool { return drives[i].Name < drives[j].Name })
	return drives, nil
}

// SetPermission sets the rule userGUID holds on a drive. Only owners
// may change permissions, and no change may leave the drive without
// an owner. Granting a user any permission adds the drive to their
// drive list. The authorisation resource is
// "set_permission <drive uid> <user guid>".
func (s *Service) SetPermission(ctx context.Context, a *auth.Authorisation, driveUID, userGUID string, rule acl.Rule) (*DriveInfo, error) {
	if err := s.verify(ctx, a, "set_permission "+driveUID+" "+userGUID); err != nil {
		return nil, err
	}
	var updated *DriveInfo
	err := objstore.WithMutex(ctx, s.bucket, "drive/"+driveUID, objstore.MutexOptions{Clock: s.clock}, func() error {
		drive, _, err := s.drive(ctx, driveUID, a.UserGUID(), acl.Rule.IsOwner)
		if err != nil {
			return err
		}
		if rule == acl.Inherit() {
			delete(drive.ACL, userGUID)
		} else {
			drive.ACL[userGUID] = rule
		}
		if drive.Owners() == 0 {
			return fmt.Errorf("%w: %s", ErrLastOwner, driveUID)
		}
		if err := s.bucket.SetJSON(ctx, driveKey(driveUID), drive); err != nil {
			return err
		}
		updated = drive
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !updated.Rule(userGUID).IsDenied() {
		if _, _, err := s.bucket.SetIns(ctx, userDriveKey(userGUID, updated.Name), []byte(driveUID)); err != nil {
			return nil, err
		}
	}
	s.logger.Info("set drive permission", "drive", driveUID, "user_guid", userGUID, "rule", rule.String())
	return updated, nil
}
