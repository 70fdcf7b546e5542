package errutil

import "errors"

// Constructors for the licensing failure modes.

func MalformedKey(msg string, options ...Option) error {
	return New(StatusMalformedKey, msg, options...)
}

func InvalidProductCode(msg string, options ...Option) error {
	return New(StatusInvalidProductCode, msg, options...)
}

func UnknownKeyVersion(msg string, options ...Option) error {
	return New(StatusUnknownKeyVersion, msg, options...)
}

func SignatureMismatch(msg string, options ...Option) error {
	return New(StatusSignatureMismatch, msg, options...)
}

func LicenseNotActive(msg string, options ...Option) error {
	return New(StatusLicenseNotActive, msg, options...)
}

func LicenseExpired(msg string, options ...Option) error {
	return New(StatusLicenseExpired, msg, options...)
}

func SeatLimitExceeded(msg string, options ...Option) error {
	return New(StatusSeatLimitExceeded, msg, options...)
}

func ActivationNotFound(msg string, options ...Option) error {
	return New(StatusActivationNotFound, msg, options...)
}

func UnknownMetric(msg string, options ...Option) error {
	return New(StatusUnknownMetric, msg, options...)
}

func LimitExceeded(msg string, options ...Option) error {
	return New(StatusLimitExceeded, msg, options...)
}

func LeaseExpired(msg string, options ...Option) error {
	return New(StatusLeaseExpired, msg, options...)
}

func AgentNotEntitled(msg string, options ...Option) error {
	return New(StatusAgentNotEntitled, msg, options...)
}

func ChainIntegrity(msg string, options ...Option) error {
	return New(StatusChainIntegrity, msg, options...)
}

// HasStatus reports whether err carries the given CoreStatus.
func HasStatus(err error, code CoreStatus) bool {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code == code
	}
	return false
}
