package ml

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrContentRejected = errors.New("content rejected")
	ErrTransient       = errors.New("transient failure")
	ErrInvalidResponse = errors.New("invalid response")
)

// Error is a classified failure of a call to an AI collaborator.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the caller may try again later.
func (e *Error) Retryable() bool {
	return errors.Is(e.Kind, ErrTransient)
}

// UserMessage is the text shown to the user for this failure.
func (e *Error) UserMessage() string {
	return UserMessage(e)
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// UserMessage maps any error to the message shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			return "Service is not configured: " + e.Err.Error()
		}
		return "Service is not configured."
	case errors.Is(err, ErrRateLimited):
		return "Daily identification limit reached. Please try again tomorrow."
	case errors.Is(err, ErrContentRejected):
		return "This image could not be processed. Please try a different photo."
	case errors.Is(err, ErrTransient):
		return "The identification service is temporarily unavailable. Please try again."
	case errors.Is(err, ErrInvalidResponse):
		return "The plant could not be identified from this photo. Please try another angle."
	default:
		return "Something went wrong while identifying the plant."
	}
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Classify wraps err with the kind derived from its gRPC status, content
// blocking or network nature. Already classified errors are returned as is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newError(ErrContentRejected, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTransient, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return newError(kindForCode(st.Code()), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(ErrTransient, op, err)
	}

	return newError(ErrTransient, op, err)
}

func kindForCode(code codes.Code) error {
	switch code {
	case codes.ResourceExhausted:
		return ErrRateLimited
	case codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
		return ErrConfiguration
	case codes.InvalidArgument:
		return ErrContentRejected
	default:
		return ErrTransient
	}
}

// kindForStatus maps an HTTP status from the remote backend to an error kind.
func kindForStatus(code int) error {
	switch code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return ErrConfiguration
	case http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return ErrContentRejected
	case http.StatusRequestTimeout:
		return ErrTransient
	}
	if code >= 500 {
		return ErrTransient
	}
	return ErrInvalidResponse
}
