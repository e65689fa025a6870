package brokererr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPCStatus maps a Kind to the gRPC status code the healthgrpc surface
// and any RPC-style transport should report.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch KindOf(err) {
	case KindValidation:
		code = codes.InvalidArgument
	case KindNotFound:
		code = codes.NotFound
	case KindConflict:
		code = codes.AlreadyExists
	case KindIsolationViolation, KindForbidden:
		code = codes.PermissionDenied
	case KindQueueFull, KindRateLimited:
		code = codes.ResourceExhausted
	case KindProtocolIncompatible:
		code = codes.FailedPrecondition
	case KindUnauthorized:
		code = codes.Unauthenticated
	case KindCancelled:
		code = codes.Canceled
	case KindDegradedStore:
		code = codes.OK
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
