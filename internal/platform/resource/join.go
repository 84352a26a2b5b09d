package resource

import (
	"errors"
	"fmt"
	"sort"
)

// Aggregate is the combined state of several named resources. It is always
// produced by Join and never modified afterwards.
type Aggregate struct {
	Status Status
	// Values holds every resource that succeeded, including when Status is
	// Failed. Callers may show those parts of a page that are not sensitive,
	// but a Failed aggregate is never safe to decrypt.
	Values map[string]any
	// Causes holds every failed resource's error keyed by resource name.
	Causes map[string]error
}

// Join combines named states. Precedence, in order:
//
//  1. any Failed: Failed, with all causes.
//  2. any Loading or NotStarted: Loading.
//  3. otherwise Success with all values.
//
// Join has no side effects and may be called again whenever an input changes.
// An empty input joins to Success.
func Join(entries map[string]Entry) Aggregate {
	agg := Aggregate{
		Values: make(map[string]any, len(entries)),
	}

	pending := false
	for name, e := range entries {
		switch e.Status {
		case Failed:
			if agg.Causes == nil {
				agg.Causes = make(map[string]error)
			}
			cause := e.Err
			if cause == nil {
				cause = fmt.Errorf("resource failed without cause")
			}
			agg.Causes[name] = cause
		case Succeeded:
			agg.Values[name] = e.Value
		default:
			pending = true
		}
	}

	switch {
	case len(agg.Causes) > 0:
		agg.Status = Failed
	case pending:
		agg.Status = Loading
	default:
		agg.Status = Succeeded
	}
	return agg
}

// Err returns nil unless the aggregate failed, in which case all causes are
// joined in name order with the resource name as prefix.
func (a Aggregate) Err() error {
	if a.Status != Failed {
		return nil
	}
	names := make([]string, 0, len(a.Causes))
	for name := range a.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, a.Causes[name]))
	}
	return errors.Join(errs...)
}

// Value fetches a typed value from the aggregate. It returns false when the
// resource did not succeed or holds a value of another type.
func Value[T any](a Aggregate, name string) (T, bool) {
	raw, ok := a.Values[name]
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}
