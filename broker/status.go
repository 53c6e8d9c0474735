package broker

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AlreadyExists returns the error a backend reports when creating a resource
// that is already present.
func AlreadyExists(kind, name string) error {
	return status.Error(codes.AlreadyExists, fmt.Sprintf("%s already exists: %s", kind, name))
}

// NotFound returns the error a backend reports for a missing resource.
func NotFound(kind, name string) error {
	return status.Error(codes.NotFound, fmt.Sprintf("%s not found: %s", kind, name))
}

// IsAlreadyExists reports whether err carries codes.AlreadyExists.
func IsAlreadyExists(err error) bool {
	return err != nil && status.Code(err) == codes.AlreadyExists
}

// IsNotFound reports whether err carries codes.NotFound.
func IsNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

// OrderingKeyPaused is returned by Publish while a key awaits ResumePublishing.
func OrderingKeyPaused(key string) error {
	return status.Error(codes.FailedPrecondition, fmt.Sprintf("publishing paused for ordering key %q", key))
}

// IsOrderingKeyPaused reports whether err was produced by OrderingKeyPaused.
func IsOrderingKeyPaused(err error) bool {
	return err != nil && status.Code(err) == codes.FailedPrecondition
}

// Closed is returned by operations on a closed connection or subscription.
func Closed(kind, name string) error {
	return status.Error(codes.Canceled, fmt.Sprintf("%s closed: %s", kind, name))
}
