// Copyright 2025 Certen Protocol
//
// Chain client error taxonomy
//
// Exactly three kinds cross this package's boundary: Transport
// (retryable, the orchestrator owns the retry policy), Revert (an
// on-chain require failed, never retryable) and Decode (a programming
// error in ABI handling). The client itself never retries.

package ethereum

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// TransportError wraps an RPC or network failure. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RevertError carries the raw revert return bytes. Not retryable.
type RevertError struct {
	ReasonBytes []byte
}

func (e *RevertError) Error() string {
	if reason, ok := e.DecodedReason(); ok {
		return fmt.Sprintf("execution reverted: %s", reason)
	}
	return fmt.Sprintf("execution reverted (0x%s)", hex.EncodeToString(e.ReasonBytes))
}

// DecodedReason best-effort decodes the standard Error(string) payload.
func (e *RevertError) DecodedReason() (string, bool) {
	// 4-byte Error(string) selector, then ABI-encoded string:
	// offset word, length word, data.
	const sel = "\x08\xc3\x79\xa0"
	b := e.ReasonBytes
	if len(b) < 4+64 || string(b[:4]) != sel {
		return "", false
	}
	b = b[4:]
	if len(b) < 64 {
		return "", false
	}
	strLen := int(b[63]) | int(b[62])<<8
	if 64+strLen > len(b) {
		return "", false
	}
	return string(b[64 : 64+strLen]), true
}

// DecodeError reports an ABI encoding or decoding failure on our side.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRevert reports whether err is (or wraps) an on-chain revert.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// classifyCallError splits an RPC error into Revert or Transport. A
// revert surfaces through the rpc.DataError interface with the return
// data attached; everything else is transport.
func classifyCallError(err error) error {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			reason, decodeErr := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
			if decodeErr == nil {
				return &RevertError{ReasonBytes: reason}
			}
		}
		return &RevertError{}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &RevertError{}
	}
	return &TransportError{Err: err}
}
