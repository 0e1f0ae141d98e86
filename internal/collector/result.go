package collector

// Result is the envelope returned by every public pipeline operation.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OK wraps data in a successful result.
func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: &data}
}

// Fail converts err into a failed result.
func Fail[T any](err error) Result[T] {
	return Result[T]{Kind: KindOf(err), Reason: err.Error()}
}

// Err returns the failure as an error, or nil for a successful result.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Op: "result", Err: reasonError(r.Reason)}
}

type reasonError string

func (e reasonError) Error() string { return string(e) }
