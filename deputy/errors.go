package deputy

import "github.com/pkg/errors"

// Kind classifies a deputy-level error by class.
type Kind int

const (
	SpawnFailed Kind = iota
	KillFailed
	ReadFailed
	ProbeFailed
	StaleOrders
	WrongHost
	BusError
	Fatal
)

func (k Kind) String() string {
	switch k {
	case SpawnFailed:
		return "SpawnFailed"
	case KillFailed:
		return "KillFailed"
	case ReadFailed:
		return "ReadFailed"
	case ProbeFailed:
		return "ProbeFailed"
	case StaleOrders:
		return "StaleOrders"
	case WrongHost:
		return "WrongHost"
	case BusError:
		return "BusError"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with the Kind of failure and, when known,
// the SheriffID of the command it's attributed to (0 when unattributed).
type Error struct {
	Kind      Kind
	SheriffID int32
	cause     error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// wrapErr builds a *Error, attributing it to sheriffID (0 for unattributed).
func wrapErr(kind Kind, sheriffID int32, cause error, msg string) *Error {
	return &Error{Kind: kind, SheriffID: sheriffID, cause: errors.Wrap(cause, msg)}
}
