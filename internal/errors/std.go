package errors

import stderrors "errors"

// As is errors.As from the standard library, re-exported so callers that
// import this package under the name errors keep access to it.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// IsErr is errors.Is from the standard library.
func IsErr(err, target error) bool {
	return stderrors.Is(err, target)
}
