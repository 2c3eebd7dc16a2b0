package tokenprovider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTickInProgress is returned by Tick when another tick of the same manager is running.
	ErrTickInProgress = errors.New("token tick already in progress")
	// ErrNotAuthenticated is returned by token sources while no usable token is held.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrTerminal marks a failure that needs new credentials or an explicit Reset.
	ErrTerminal = errors.New("token acquisition failed permanently")
)

// ConfigError reports missing or malformed credentials.
type ConfigError struct {
	Strategy AuthStrategy
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s credentials: %s", e.Strategy, e.Reason)
}

// SigningError reports that an assertion could not be built or signed.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign assertion: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	TransportConnection TransportErrorKind = iota
	TransportTimeout
	TransportMalformed
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportTimeout:
		return "timeout"
	case TransportMalformed:
		return "malformed response"
	default:
		return "connection"
	}
}

// TransportError is a failure to complete an exchange with the token endpoint.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("token exchange %s error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange timed out.
func (e *TransportError) Timeout() bool { return e.Kind == TransportTimeout }

// ServiceError is a well-formed rejection returned by the token issuer.
type ServiceError struct {
	Code        int
	Message     string
	Description string
	// ServerTime is the issuer's clock as observed on the rejection, if any.
	ServerTime time.Time
}

func (e *ServiceError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange failed with status %d: %s - %s", e.Code, e.Message, e.Description)
	}
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Code, e.Message)
}

// Temporary reports whether the issuer failed on its side.
func (e *ServiceError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}

// ClockError reports that the clock could not be synchronized.
type ClockError struct {
	Reason string
}

func (e *ClockError) Error() string {
	return "clock not synchronized: " + e.Reason
}

type errorClass int

const (
	classTransient errorClass = iota
	classService
	classFatal
)

// classify maps an exchange or preparation error onto the retry policy.
func classify(err error) errorClass {
	var (
		cfgErr  *ConfigError
		signErr *SigningError
		svcErr  *ServiceError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &signErr):
		return classFatal
	case errors.As(err, &svcErr):
		if svcErr.Temporary() {
			return classTransient
		}
		return classService
	default:
		return classTransient
	}
}

// errorCode extracts the issuer or transport code recorded in TokenInfo.LastErrorCode.
func errorCode(err error) int {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	var trErr *TransportError
	if errors.As(err, &trErr) {
		return -1 - int(trErr.Kind)
	}
	return 0
}
