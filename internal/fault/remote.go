package fault

import "errors"

// Remote is the JSON shape of a taxonomy error crossing a process or bus
// boundary. Only plain data travels; the receiving side rebuilds an *Error
// with the original kind so callers can still branch on IsRetryable.
type Remote struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// ToRemote flattens err for the wire. Foreign errors that never crossed an
// integration edge come out with an empty kind and their message intact.
func ToRemote(err error) *Remote {
	if err == nil {
		return nil
	}
	r := &Remote{
		Kind:    KindOf(err),
		Message: err.Error(),
	}
	var fe *Error
	if errors.As(err, &fe) {
		r.RetryCount = fe.RetryCount
	}
	return r
}

// FromRemote rebuilds a taxonomy error on the receiving side.
func FromRemote(r *Remote) error {
	if r == nil {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = KindPipelineExecution
	}
	return &Error{Kind: kind, Msg: r.Message, RetryCount: r.RetryCount}
}
