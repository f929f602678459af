package chainerr

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Provider (EIP-1193) and JSON-RPC error codes.
const (
	CodeUserRejected   = 4001
	CodeUnauthorized   = 4100
	CodeUnknownChain   = 4902
	CodeRequestPending = -32002
)

const revertPrefix = "execution reverted"

// Code extracts a JSON-RPC / provider error code from err.
func Code(err error) (int, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

// Classify maps a raw remote-call failure onto the closed Kind set. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if code, ok := Code(err); ok {
		switch code {
		case CodeUserRejected, CodeUnauthorized:
			return &Error{Kind: UserRejected, Reason: "request rejected by user", Err: err}
		case CodeRequestPending:
			return &Error{Kind: AlreadyPending, Reason: "request already pending", Err: err}
		case CodeUnknownChain:
			return &Error{Kind: NetworkMismatch, Reason: "chain not recognized by wallet", Err: err}
		}
	}

	if reason, ok := revertData(err); ok {
		return &Error{Kind: Reverted, Reason: reason, Err: err}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Unknown, Reason: msg, Err: err}
	case strings.Contains(lower, "user rejected"), strings.Contains(lower, "user denied"):
		return &Error{Kind: UserRejected, Reason: "request rejected by user", Err: err}
	case strings.Contains(lower, "already pending"):
		return &Error{Kind: AlreadyPending, Reason: "request already pending", Err: err}
	case strings.Contains(lower, "insufficient funds"):
		return &Error{Kind: InsufficientFunds, Reason: "insufficient funds for gas", Err: err}
	case strings.Contains(lower, revertPrefix):
		return &Error{Kind: Reverted, Reason: revertReason(msg), Err: err}
	}
	return &Error{Kind: Unknown, Reason: msg, Err: err}
}

// revertData decodes an Error(string) payload carried by rpc.DataError.
func revertData(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok || hexData == "" {
		return "", false
	}
	raw, decErr := hexutil.Decode(hexData)
	if decErr != nil {
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}

// revertReason pulls the text after "execution reverted:" out of msg.
func revertReason(msg string) string {
	idx := strings.Index(strings.ToLower(msg), revertPrefix)
	if idx < 0 {
		return ""
	}
	rest := msg[idx+len(revertPrefix):]
	rest = strings.TrimPrefix(strings.TrimSpace(rest), ":")
	return strings.TrimSpace(rest)
}

// RevertedWith reports whether err is a revert whose reason contains fragment
// (case-insensitive).
func RevertedWith(err error, fragment string) bool {
	e := Classify(err)
	if e == nil || e.Kind != Reverted {
		return false
	}
	return strings.Contains(strings.ToLower(e.Reason), strings.ToLower(fragment))
}
