package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/ethchat/internal/chainerr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// codeFor maps an error kind onto the closest gRPC code.
func codeFor(kind chainerr.Kind) codes.Code {
	switch kind {
	case chainerr.NotReady:
		return codes.FailedPrecondition
	case chainerr.Invalid:
		return codes.InvalidArgument
	case chainerr.UserRejected:
		return codes.PermissionDenied
	case chainerr.AlreadyPending:
		return codes.Aborted
	case chainerr.AlreadyRegistered:
		return codes.AlreadyExists
	case chainerr.ProviderMissing:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts a controller error into a gRPC status error. The
// message is "<KIND>: <reason>" so clients can restore the kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	kind := chainerr.KindOf(err)
	reason := chainerr.ReasonOf(err)
	if reason == "" {
		var ce *chainerr.Error
		if errors.As(err, &ce) && ce.Err != nil {
			reason = ce.Err.Error()
		} else {
			reason = err.Error()
		}
	}
	return grpcstatus.Error(codeFor(kind), fmt.Sprintf("%s: %s", kind, reason))
}

func invalid(format string, args ...any) error {
	return toStatus(chainerr.Newf(chainerr.Invalid, format, args...))
}

// FromStatus restores a classified error from a gRPC status error. Errors
// that did not come from the controller are returned unchanged.
func FromStatus(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	kind, reason, found := strings.Cut(st.Message(), ": ")
	if !found || strings.ToUpper(kind) != kind || strings.ContainsAny(kind, " ") {
		return err
	}
	return chainerr.New(chainerr.Kind(kind), reason)
}
