package fake

import "sync"

// Call is one recorded method invocation.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder records method calls so tests can assert on ordering and
// arguments.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns recorded calls of method, or every call when method is "".
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallsWith returns calls of method whose first argument equals arg.
func (r *CallRecorder) CallsWith(method string, arg any) []Call {
	var out []Call
	for _, c := range r.Calls(method) {
		if len(c.Args) > 0 && c.Args[0] == arg {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how often method was called.
func (r *CallRecorder) Count(method string) int {
	return len(r.Calls(method))
}

// Reset clears all recorded calls.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
