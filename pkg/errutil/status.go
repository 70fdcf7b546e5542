package errutil

import "net/http"

// CoreStatus is the transport-agnostic error classification carried by
// BaseError. Generic statuses mirror HTTP semantics; domain statuses cover
// the licensing failure modes and map onto HTTP/gRPC at the boundary.
type CoreStatus string

const (
	StatusUnknown               CoreStatus = "UNKNOWN"
	StatusBadRequest            CoreStatus = "BAD_REQUEST"
	StatusValidationFailed      CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized          CoreStatus = "UNAUTHORIZED"
	StatusForbidden             CoreStatus = "FORBIDDEN"
	StatusNotFound              CoreStatus = "NOT_FOUND"
	StatusConflict              CoreStatus = "CONFLICT"
	StatusUnprocessableEntity   CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusUnsupportedMediaType  CoreStatus = "UNSUPPORTED_MEDIA_TYPE"
	StatusTooManyRequests       CoreStatus = "TOO_MANY_REQUESTS"
	StatusClientClosedRequest   CoreStatus = "CLIENT_CLOSED_REQUEST"
	StatusTimeout               CoreStatus = "TIMEOUT"
	StatusGatewayTimeout        CoreStatus = "GATEWAY_TIMEOUT"
	StatusInternal              CoreStatus = "INTERNAL"
	StatusNotImplemented        CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway            CoreStatus = "BAD_GATEWAY"
	StatusServiceUnavailable    CoreStatus = "SERVICE_UNAVAILABLE"
)

// Licensing domain statuses.
const (
	StatusMalformedKey       CoreStatus = "MALFORMED_KEY"
	StatusInvalidProductCode CoreStatus = "INVALID_PRODUCT_CODE"
	StatusUnknownKeyVersion  CoreStatus = "UNKNOWN_KEY_VERSION"
	StatusSignatureMismatch  CoreStatus = "SIGNATURE_MISMATCH"
	StatusLicenseNotActive   CoreStatus = "LICENSE_NOT_ACTIVE"
	StatusLicenseExpired     CoreStatus = "LICENSE_EXPIRED"
	StatusSeatLimitExceeded  CoreStatus = "SEAT_LIMIT_EXCEEDED"
	StatusActivationNotFound CoreStatus = "ACTIVATION_NOT_FOUND"
	StatusUnknownMetric      CoreStatus = "UNKNOWN_METRIC"
	StatusLimitExceeded      CoreStatus = "LIMIT_EXCEEDED"
	StatusLeaseExpired       CoreStatus = "LEASE_EXPIRED"
	StatusAgentNotEntitled   CoreStatus = "AGENT_NOT_ENTITLED"
	StatusChainIntegrity     CoreStatus = "CHAIN_INTEGRITY"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed,
		StatusMalformedKey, StatusInvalidProductCode, StatusUnknownMetric:
		return http.StatusBadRequest
	case StatusUnauthorized, StatusSignatureMismatch:
		return http.StatusUnauthorized
	case StatusForbidden, StatusLicenseNotActive, StatusLicenseExpired,
		StatusLeaseExpired, StatusAgentNotEntitled:
		return http.StatusForbidden
	case StatusNotFound, StatusActivationNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusChainIntegrity:
		return http.StatusConflict
	case StatusUnprocessableEntity, StatusUnknownKeyVersion:
		return http.StatusUnprocessableEntity
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusTooManyRequests, StatusSeatLimitExceeded, StatusLimitExceeded:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusTimeout:
		return http.StatusRequestTimeout
	case StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
