// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acquire-foundation/acquire/lib/codec"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

// State is the lifecycle state of a ComputeJob.
type State string

const (
	StatePending    State = "pending"
	StateSubmitting State = "submitting"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// order ranks the forward states.
var order = map[State]int{
	StatePending:    0,
	StateSubmitting: 1,
	StateStarting:   2,
	StateRunning:    3,
	StateCompleted:  4,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, forward := order[s]
	return forward || s.IsTerminal()
}

// IsTerminal reports whether no further change is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateTerminated
}

// CanAdvance reports whether a job may move from s to next. Forward
// states advance one step at a time; error and terminated are
// reachable from any state that is not terminal.
func (s State) CanAdvance(next State) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == StateError || next == StateTerminated {
		return true
	}
	return order[next] == order[s]+1
}

// RunRequest describes a calculation a user wants to run.
type RunRequest struct {
	// Resource names what runs the calculation, such as a container
	// image.
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`

	// Value is the workload's input document. The service does not
	// interpret it.
	Value json.RawMessage `json:"value,omitempty"`
}

func (r RunRequest) validate() error {
	if r.Resource == "" {
		return fmt.Errorf("%w: a resource is required", ErrRunRequest)
	}
	if len(r.Value) > 0 && !json.Valid(r.Value) {
		return fmt.Errorf("%w: value is not valid JSON", ErrRunRequest)
	}
	return nil
}

// Fingerprint identifies the request. Users authorise it as
// "run <fingerprint>" and pay with cheques for the same resource.
func (r RunRequest) Fingerprint() string {
	return keys.Fingerprint(codec.MustMarshal(r))
}

// Transition is one entry of a job's history.
type Transition struct {
	State    State     `json:"state"`
	Datetime time.Time `json:"datetime"`
	Message  string    `json:"message,omitempty"`
}

// ComputeJob is stored at compute/job/<uid>. A marker at
// compute/<state>/<uid> indexes it by state.
type ComputeJob struct {
	UID         string              `json:"uid"`
	UserGUID    string              `json:"user_guid"`
	Request     RunRequest          `json:"run_request"`
	BucketName  string              `json:"bucket_name"`
	StoragePAR  *objstore.PAR       `json:"storage_par,omitempty"`
	CreditNotes []ledger.CreditNote `json:"credit_notes"`

	// SecretFingerprint identifies the cluster secret in force when
	// the job was queued.
	SecretFingerprint string `json:"secret_fingerprint,omitempty"`

	State   State        `json:"state"`
	Error   string       `json:"error,omitempty"`
	History []Transition `json:"history"`
}

// advance moves the job to next, recording the change.
func (j *ComputeJob) advance(next State, message string, now time.Time) error {
	if !j.State.CanAdvance(next) {
		return fmt.Errorf("%w: %s to %s for job %s", ErrJobState, j.State, next, j.UID)
	}
	j.State = next
	if next == StateError {
		j.Error = message
	}
	j.History = append(j.History, Transition{State: next, Datetime: now, Message: message})
	return nil
}

func jobKey(uid string) string { return "compute/job/" + uid }

func stateKey(state State, uid string) string { return "compute/" + string(state) + "/" + uid }
