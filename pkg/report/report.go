// Copyright 2025 Certen Protocol
//
// Orchestration Report
//
// The machine-readable record of one pipeline run: per-network ordered
// typed errors, stage reached, effective epoch and activation
// timestamp, and a single aggregate status. No error that occurred
// during the run is ever absent from the report.

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/certen/manifest-orchestrator/pkg/artifacts"
	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/preflight"
)

// Aggregate statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusPartial = "PARTIAL"
	StatusAbort   = "ABORT"
)

// Per-network statuses.
const (
	NetworkSuccess = "SUCCESS"
	NetworkFailed  = "FAILED"
	NetworkSkipped = "SKIPPED"
)

// ErrorEntry is one typed error in a network's ordered error list.
type ErrorEntry struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// NetworkOutcome is one network's full result.
type NetworkOutcome struct {
	Network             string            `json:"network"`
	Status              string            `json:"status"`
	StageReached        string            `json:"stage_reached"`
	FactoryAddress      common.Address    `json:"factory_address,omitempty"`
	DispatcherAddress   common.Address    `json:"dispatcher_address,omitempty"`
	EffectiveEpoch      uint64            `json:"effective_epoch"`
	ActivationTimestamp uint64            `json:"activation_timestamp,omitempty"`
	TxHashes            map[string]string `json:"tx_hashes,omitempty"`
	Errors              []ErrorEntry      `json:"errors,omitempty"`
	Warnings            []string          `json:"warnings,omitempty"`
}

// AddError appends a typed error for a stage, preserving order.
func (n *NetworkOutcome) AddError(stage string, err error) {
	n.Errors = append(n.Errors, ErrorEntry{
		Kind:    Classify(err),
		Stage:   stage,
		Message: err.Error(),
	})
}

// Report is the complete orchestration record.
type Report struct {
	RunID            string            `json:"run_id"`
	Version          string            `json:"version"`
	DryRun           bool              `json:"dry_run"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	Status           string            `json:"status"`
	PredictedFactory common.Address    `json:"predicted_factory,omitempty"`
	MerkleRoot       common.Hash       `json:"merkle_root,omitempty"`
	Preflight        *preflight.Result `json:"preflight,omitempty"`
	Networks         []NetworkOutcome  `json:"networks"`
	AbortReason      string            `json:"abort_reason,omitempty"`
}

// New starts a report for a run.
func New(version string, dryRun bool) *Report {
	return &Report{
		RunID:     uuid.New().String(),
		Version:   version,
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
	}
}

// Abort marks the whole run aborted before completion.
func (r *Report) Abort(reason error) {
	r.Status = StatusAbort
	r.AbortReason = reason.Error()
	r.FinishedAt = time.Now().UTC()
}

// Finalize stamps the end time and derives the aggregate status from
// the per-network outcomes.
func (r *Report) Finalize() {
	r.FinishedAt = time.Now().UTC()
	if r.Status == StatusAbort {
		return
	}

	failed := 0
	for _, n := range r.Networks {
		if n.Status != NetworkSuccess {
			failed++
		}
	}
	if failed == 0 && len(r.Networks) > 0 {
		r.Status = StatusSuccess
	} else {
		r.Status = StatusPartial
	}
}

// Filename returns the canonical report file name for this run.
func (r *Report) Filename() string {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("orchestration-%s.json", ts.Format("20060102T150405Z"))
}

// Write serializes the report into the store's reports directory.
func (r *Report) Write(store artifacts.Store) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	name := r.Filename()
	if err := store.WriteReport(name, data); err != nil {
		return "", err
	}
	return name, nil
}

// Classify maps an error to its taxonomy kind. Errors are typed
// everywhere in the engine; "Other" marks a bug worth chasing.
func Classify(err error) string {
	var (
		transport  *ethereum.TransportError
		revert     *ethereum.RevertError
		decode     *ethereum.DecodeError
		abi        *dispatcher.AbiMismatchError
		tooEarly   *dispatcher.ActivationTooEarlyError
		epoch      *dispatcher.EpochMismatchError
		parity     *preflight.AddressParityError
		proof      *preflight.ProofFailedError
		dupSel     *manifest.DuplicateSelectorError
		noCode     *manifest.NoCodeAtFacetError
		hashMis    *manifest.CodehashMismatchError
		tooLarge   *manifest.FacetTooLargeError
		notFound   *artifacts.NotFoundError
		parseError *artifacts.ParseError
	)

	switch {
	case errors.As(err, &transport):
		return "Transport"
	case errors.As(err, &revert):
		return "Revert"
	case errors.As(err, &decode):
		return "Decode"
	case errors.As(err, &abi):
		return "AbiMismatch"
	case errors.As(err, &tooEarly):
		return "ActivationTooEarly"
	case errors.As(err, &epoch):
		return "EpochMismatch"
	case errors.As(err, &parity):
		return "AddressParity"
	case errors.As(err, &proof):
		return "ProofFailed"
	case errors.As(err, &dupSel):
		return "DuplicateSelector"
	case errors.As(err, &noCode):
		return "NoCodeAtFacet"
	case errors.As(err, &hashMis):
		return "CodehashMismatch"
	case errors.As(err, &tooLarge):
		return "FacetTooLarge"
	case errors.As(err, &notFound):
		return "NotFound"
	case errors.As(err, &parseError):
		return "ParseError"
	default:
		return "Other"
	}
}
