package protocol

import "errors"

var (
	// ErrFraming covers malformed length prefixes and truncated frames.
	// Fatal to the connection.
	ErrFraming = errors.New("protocol: framing error")

	// ErrAuthentication is returned when a sealed frame fails to verify.
	// Fatal to the connection; nothing is partially decrypted.
	ErrAuthentication = errors.New("protocol: message authentication failed")

	// ErrConnectionClosed signals that the peer closed the stream between
	// frames. It is the normal end of a session.
	ErrConnectionClosed = errors.New("protocol: connection closed")

	ErrCredential      = errors.New("invalid username or password")
	ErrCarrierNotFound = errors.New("carrier not found")
	ErrStore           = errors.New("store failure")
	ErrInvalidOption   = errors.New("invalid option")
	ErrSessionExpired  = errors.New("session expired")
)

// IsFatal reports whether err must terminate the connection worker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFraming) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrConnectionClosed)
}

// Code returns the machine-readable code sent to clients for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredential):
		return CodeCredential
	case errors.Is(err, ErrCarrierNotFound):
		return CodeCarrierNotFound
	case errors.Is(err, ErrStore):
		return CodeStore
	case errors.Is(err, ErrInvalidOption):
		return CodeInvalidOption
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	}
	return CodeInternal
}

// Error codes carried in Response.Code.
const (
	CodeCredential      = "credential"
	CodeCarrierNotFound = "carrier_not_found"
	CodeStore           = "store"
	CodeInvalidOption   = "invalid_option"
	CodeSessionExpired  = "session_expired"
	CodeBadRequest      = "bad_request"
	CodeInternal        = "internal"
)

// ErrorFromCode maps a response code back to its sentinel so clients can use
// errors.Is on remote failures.
func ErrorFromCode(code string) error {
	switch code {
	case CodeCredential:
		return ErrCredential
	case CodeCarrierNotFound:
		return ErrCarrierNotFound
	case CodeStore:
		return ErrStore
	case CodeInvalidOption:
		return ErrInvalidOption
	case CodeSessionExpired:
		return ErrSessionExpired
	}
	return nil
}
