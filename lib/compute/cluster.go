// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const clusterKey = "compute/cluster"

// FunctionGetPendingJobUIDs is also the resource of the passphrase a
// cluster presents to list pending jobs.
const FunctionGetPendingJobUIDs = "get_pending_job_uids"

// Cluster is the single worker cluster attached to an access service.
// It is stored at compute/cluster.
type Cluster struct {
	UID               string          `json:"uid"`
	Name              string          `json:"name"`
	PublicKey         *keys.PublicKey `json:"public_key"`
	ComputeServiceUID string          `json:"compute_service_uid"`

	// EncryptedSecret is the secret shared with the cluster daemon,
	// encrypted to the service's skeleton key.
	EncryptedSecret []byte `json:"encrypted_secret,omitempty"`
}

// Passphrase derives the passphrase a cluster holding secret presents
// for resource.
func Passphrase(secret, resource string) string {
	return keys.MultiMD5(secret, resource)
}

// SetCluster replaces the cluster. It needs an administrator's
// authorisation for "set_cluster <cluster key fingerprint>". The secret
// is shared with the cluster daemon out of band.
func (s *Service) SetCluster(ctx context.Context, a *auth.Authorisation, cluster Cluster, secret string) (*Cluster, error) {
	if cluster.PublicKey == nil {
		return nil, fmt.Errorf("%w: the cluster needs a public key", ErrNoCluster)
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: the cluster needs a secret", ErrNoCluster)
	}
	if err := s.admin(ctx, a, "set_cluster "+cluster.PublicKey.Fingerprint()); err != nil {
		return nil, err
	}
	skeleton, err := s.self().SkeletonKey()
	if err != nil {
		return nil, err
	}
	encrypted, err := skeleton.Encrypt([]byte(secret))
	if err != nil {
		return nil, err
	}
	if cluster.UID == "" {
		cluster.UID = uuid.NewString()
	}
	cluster.ComputeServiceUID = s.self().UID
	cluster.EncryptedSecret = encrypted
	if err := s.bucket.SetJSON(ctx, clusterKey, cluster); err != nil {
		return nil, err
	}
	s.logger.Info("set cluster", "cluster_uid", cluster.UID, "name", cluster.Name)
	cluster.EncryptedSecret = nil
	return &cluster, nil
}

// GetCluster returns the cluster without its secret.
func (s *Service) GetCluster(ctx context.Context) (*Cluster, error) {
	cluster, _, err := s.cluster(ctx)
	if err != nil {
		return nil, err
	}
	cluster.EncryptedSecret = nil
	return cluster, nil
}

// cluster loads the cluster and decrypts its secret.
func (s *Service) cluster(ctx context.Context) (*Cluster, string, error) {
	var cluster Cluster
	if err := s.bucket.GetJSON(ctx, clusterKey, &cluster); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, "", ErrNoCluster
		}
		return nil, "", err
	}
	skeleton, err := s.self().SkeletonKey()
	if err != nil {
		return nil, "", err
	}
	secret, err := skeleton.Decrypt(cluster.EncryptedSecret)
	if err != nil {
		return nil, "", fmt.Errorf("compute: opening cluster secret: %w", err)
	}
	return &cluster, string(secret), nil
}

// checkPassphrase compares a presented passphrase with the one the
// cluster secret derives for resource. It returns the secret.
func (s *Service) checkPassphrase(ctx context.Context, resource, passphrase string) (string, error) {
	_, secret, err := s.cluster(ctx)
	if err != nil {
		return "", err
	}
	want := Passphrase(secret, resource)
	if subtle.ConstantTimeCompare([]byte(want), []byte(passphrase)) != 1 {
		return "", ErrPassphrase
	}
	return secret, nil
}

// GetPendingJobUIDs lists the jobs waiting for the cluster. The
// passphrase is Passphrase(secret, "get_pending_job_uids").
func (s *Service) GetPendingJobUIDs(ctx context.Context, passphrase string) ([]string, error) {
	if _, err := s.checkPassphrase(ctx, FunctionGetPendingJobUIDs, passphrase); err != nil {
		return nil, err
	}
	return s.bucket.ListNames(ctx, stateKey(StatePending, ""))
}
