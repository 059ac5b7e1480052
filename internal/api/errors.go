package api

import (
	"errors"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is returned when a transmission is neither pending nor
	// retained.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the service has no mesh node bound.
	ErrUnavailable = errors.New("mesh node unavailable")
)

// ToStatusError maps mesh and transmission errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, rtp.ErrUnknownTransmission):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, rtp.ErrEmptyPayload),
		errors.Is(err, rtp.ErrTooManyChunks),
		errors.Is(err, rtp.ErrNoDestination),
		errors.Is(err, mesh.ErrSelfDestination):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, mesh.ErrNoCoordinator),
		errors.Is(err, mesh.ErrNotStarted),
		errors.Is(err, rtp.ErrAlreadyFinished):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, rtp.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
