// Package apierr defines the client-facing error kinds of spec.md §7,
// kept distinct from internal, swallowed failures that never reach a
// client.
package apierr

import "net/http"

// Kind is one of the four client-facing error kinds spec.md §7 names.
type Kind int

const (
	BadRequest Kind = iota
	BadGateway
	GatewayTimeout
	ServiceUnavailable
)

func (k Kind) statusCode() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case BadGateway:
		return http.StatusBadGateway
	case GatewayTimeout:
		return http.StatusGatewayTimeout
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case BadGateway:
		return "bad_gateway"
	case GatewayTimeout:
		return "gateway_timeout"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

// Error is a typed error the Request Coordinator returns for failures that
// must be surfaced to the HTTP client, as opposed to internal failures
// (restore/save/metadata-write errors) which are logged and swallowed per
// spec.md §7.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// StatusCode maps an Error to an HTTP status code; unrecognized errors map
// to 500, matching the "no bespoke error kind, default to internal" path a
// careful HTTP handler should always have.
func StatusCode(err error) int {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Kind.statusCode()
	}
	return http.StatusInternalServerError
}

// TypeString returns the JSON envelope's error "type" field.
func TypeString(err error) string {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Kind.String()
	}
	return "internal_error"
}
