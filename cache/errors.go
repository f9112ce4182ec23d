package cache

import "fmt"

// LoadError is returned from Entry.Get when value can't be constructed from key.
type LoadError struct {
	Key interface{}
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %v: %v", e.Key, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

type IntegrityKind int

const (
	// LogicError means broken list structure.
	LogicError IntegrityKind = iota
	// DataError means counters or node states that don't match lists.
	DataError
)

func (k IntegrityKind) String() string {
	switch k {
	case LogicError:
		return "logic error"
	case DataError:
		return "data error"
	}
	return fmt.Sprintf("IntegrityKind(%d)", int(k))
}

type IntegrityError struct {
	Kind IntegrityKind
	Msg  string
}

func (e *IntegrityError) Error() string { return "cache " + e.Kind.String() + ": " + e.Msg }

func logicErrorf(format string, args ...interface{}) *IntegrityError {
	return &IntegrityError{LogicError, fmt.Sprintf(format, args...)}
}

func dataErrorf(format string, args ...interface{}) *IntegrityError {
	return &IntegrityError{DataError, fmt.Sprintf(format, args...)}
}
