package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
)

// Checked in order; the first match decides the code.
var codeTable = []struct {
	err  error
	code codes.Code
}{
	{ion.ErrLeaked, codes.DataLoss},
	{ion.ErrAssignFailed, codes.Aborted},
	{ion.ErrAllocationFailed, codes.ResourceExhausted},
	{ion.ErrNoSpace, codes.ResourceExhausted},
	{ion.ErrPoolEmpty, codes.ResourceExhausted},
	{ion.ErrInvalidArgument, codes.InvalidArgument},
	{ion.ErrInvalidVMIDFlags, codes.InvalidArgument},
	{ion.ErrNotFound, codes.NotFound},
	{ion.ErrNoMatchingHeap, codes.NotFound},
	{ion.ErrDoubleFree, codes.FailedPrecondition},
	{ion.ErrHeapBusy, codes.FailedPrecondition},
	{ion.ErrClosed, codes.Unavailable},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// Status converts err to a gRPC status error. Errors that already carry a
// status pass through unchanged.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// Checked on the client; ambiguous codes are left as status errors.
var sentinelFor = map[codes.Code]error{
	codes.DataLoss:          ion.ErrLeaked,
	codes.Aborted:           ion.ErrAssignFailed,
	codes.ResourceExhausted: ion.ErrAllocationFailed,
	codes.InvalidArgument:   ion.ErrInvalidArgument,
	codes.NotFound:          ion.ErrNotFound,
	codes.Unavailable:       ion.ErrClosed,
}

// fromStatus wraps the sentinel matching err's code so callers can use
// errors.Is on the client side too.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if sentinel, ok := sentinelFor[st.Code()]; ok {
		return fmt.Errorf("%w: %s", sentinel, st.Message())
	}
	return err
}

// LogInterceptor logs every call on the rpc mask: failures at warn level,
// the rest at debug.
func LogInterceptor(log *logger.Sink) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			log.Warn(logger.MaskRPC, "rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "err", err)
		} else {
			log.Debug(logger.MaskRPC, "rpc", "method", info.FullMethod)
		}
		return resp, err
	}
}
