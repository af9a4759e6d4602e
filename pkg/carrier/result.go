package carrier

// Result is the outcome of an adapter call: either a value or a CarrierError.
type Result[T any] struct {
	value T
	err   *CarrierError
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail wraps a carrier error. A nil err is replaced by a generic error so a
// failed Result can never look successful.
func Fail[T any](err *CarrierError) Result[T] {
	if err == nil {
		err = NewCarrierError("unknown", CodeUnknown, "carrier call failed without detail")
	}
	return Result[T]{err: err}
}

// IsOk reports whether the call succeeded.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Value returns the successful value, or the zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the carrier error, or nil on success.
func (r Result[T]) Err() *CarrierError {
	return r.err
}

// Unwrap converts the result into Go's (value, error) pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}
