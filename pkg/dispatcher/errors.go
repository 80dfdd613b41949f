// Copyright 2025 Certen Protocol
//
// Dispatcher driver errors

package dispatcher

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Common errors for the dispatcher package
var (
	ErrNoPendingRoot = errors.New("dispatcher has no pending root")
)

// AbiMismatchError reports a dispatcher exposing neither pending shape.
// Fatal for that network: the contract at the address is not a
// dispatcher this driver knows how to talk to.
type AbiMismatchError struct {
	Dispatcher common.Address
}

func (e *AbiMismatchError) Error() string {
	return fmt.Sprintf("dispatcher %s exposes neither pending getters nor a pending() tuple", e.Dispatcher.Hex())
}

// ActivationTooEarlyError reports an activation attempted before the
// delay elapsed. The caller retries after Remaining seconds.
type ActivationTooEarlyError struct {
	Remaining uint64
}

func (e *ActivationTooEarlyError) Error() string {
	return fmt.Sprintf("activation too early: %d seconds remaining", e.Remaining)
}

// EpochMismatchError reports a commit with the wrong epoch. The caller
// corrects the epoch; the dispatcher only accepts activeEpoch+1.
type EpochMismatchError struct {
	Expected uint64
	Got      uint64
}

func (e *EpochMismatchError) Error() string {
	return fmt.Sprintf("epoch mismatch: expected %d, got %d", e.Expected, e.Got)
}
