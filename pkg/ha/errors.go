package ha

import "fmt"

// CallbackPanicError wraps a recovered panic from a transition callback so
// it is surfaced like any other callback failure instead of taking down the
// worker.
type CallbackPanicError struct {
	Value interface{}
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("transition callback panicked: %v", e.Value)
}

func newCallbackPanicError(v interface{}) *CallbackPanicError {
	return &CallbackPanicError{Value: v}
}
