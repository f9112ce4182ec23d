package util

// Unwrap strips stack trace wrappers (github.com/facebookgo/stackerr and
// github.com/pkg/errors) and returns the error that should be shown to a client.
func Unwrap(err error) error {
	type hasUnderlying interface {
		Underlying() error
	}
	type hasCause interface {
		Cause() error
	}
	for {
		var next error
		switch e := err.(type) {
		case hasUnderlying:
			next = e.Underlying()
		case hasCause:
			next = e.Cause()
		}
		if next == nil {
			return err
		}
		err = next
	}
}
