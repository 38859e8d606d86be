package grpcconn

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AltairaLabs/keeper/internal/service"
)

var statusCodes = map[codes.Code]service.Code{
	codes.Unavailable:        service.CodeConnectionLoss,
	codes.DeadlineExceeded:   service.CodeOperationTimeout,
	codes.NotFound:           service.CodeNoNode,
	codes.AlreadyExists:      service.CodeNodeExists,
	codes.Aborted:            service.CodeBadVersion,
	codes.FailedPrecondition: service.CodeSessionExpired,
	codes.InvalidArgument:    service.CodeBadArguments,
	codes.PermissionDenied:   service.CodeNoAuth,
	codes.Unauthenticated:    service.CodeAuthFailed,
	codes.Unimplemented:      service.CodeUnimplemented,
	codes.ResourceExhausted:  service.CodeConnectionLoss,
}

// fromStatus maps a gRPC failure to a boundary error. Cancellation by the
// caller passes through unchanged.
func fromStatus(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return service.NewError(service.CodeConnectionLoss, path)
	}
	if st.Code() == codes.Canceled {
		return context.Canceled
	}
	if code, ok := statusCodes[st.Code()]; ok {
		return service.NewError(code, path)
	}
	return service.NewError(service.CodeSystemError, path)
}

var errUnknownHandle = status.Error(codes.FailedPrecondition, "unknown session handle")
