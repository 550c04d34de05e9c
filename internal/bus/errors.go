package bus

import "fmt"

// ConnectError reports that the broker could not be reached before the
// caller's deadline.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("bus: connect %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
