package resource

import "fmt"

// Status is the lifecycle position of one independently loaded value.
type Status int

const (
	NotStarted Status = iota
	Loading
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Loading:
		return "loading"
	case Succeeded:
		return "success"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets Status render as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the result of one external value. The zero value is NotStarted.
// A State is owned by whoever produced it; consumers only read it.
type State[T any] struct {
	status Status
	value  T
	err    error
}

// Idle returns a state that has not been requested yet.
func Idle[T any]() State[T] { return State[T]{status: NotStarted} }

// Pending returns a state whose load is in flight.
func Pending[T any]() State[T] { return State[T]{status: Loading} }

// Ready returns a successful state carrying v.
func Ready[T any](v T) State[T] { return State[T]{status: Succeeded, value: v} }

// Fail returns a failed state. A nil cause is replaced so that a failed
// state always carries an error.
func Fail[T any](cause error) State[T] {
	if cause == nil {
		cause = fmt.Errorf("resource failed without cause")
	}
	return State[T]{status: Failed, err: cause}
}

func (s State[T]) Status() Status { return s.status }
func (s State[T]) Err() error     { return s.err }

// Value returns the loaded value and whether the state is Succeeded.
func (s State[T]) Value() (T, bool) {
	if s.status != Succeeded {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Done reports whether the state is terminal.
func (s State[T]) Done() bool {
	return s.status == Succeeded || s.status == Failed
}

// Entry erases the value type so states of different types can be joined.
func (s State[T]) Entry() Entry {
	e := Entry{Status: s.status, Err: s.err}
	if s.status == Succeeded {
		e.Value = s.value
	}
	return e
}

// Entry is the type-erased form of a State used by Join.
type Entry struct {
	Status Status
	Value  any
	Err    error
}
