package samsung

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by every operation once Shutdown has been called.
	ErrClosed = errors.New("samsung: connection shut down")

	// ErrAttemptWaitTimeout is returned to callers that joined an in-flight
	// connection attempt which did not resolve within the wait ceiling.
	ErrAttemptWaitTimeout = errors.New("samsung: timed out waiting for existing connection attempt")

	// ErrLinkClosed is returned when the socket closes under a pending operation.
	ErrLinkClosed = errors.New("samsung: socket closed")

	// ErrStatusTimeout is recorded when the status channel never answers a query.
	ErrStatusTimeout = errors.New("samsung: status query timed out")
)

// ConnectionError means the channel never reached an open state, or the
// socket failed underneath an operation. It is retryable on a fresh attempt.
type ConnectionError struct {
	Address string
	Channel Channel
	Timeout time.Duration // non-zero when the connect budget expired
	Paired  bool          // a token was presented for this attempt
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Timeout > 0 {
		hint := "device may be off"
		if e.Channel == ChannelRemote && !e.Paired {
			hint = "was the Allow prompt accepted on the TV?"
		}
		return fmt.Sprintf("samsung: %s channel to %s timed out after %s (%s)", e.Channel, e.Address, e.Timeout, hint)
	}
	return fmt.Sprintf("samsung: %s channel to %s: %v", e.Channel, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthorizationError means the device rejected the presented token. The token
// has already been forgotten; the next attempt pairs from scratch and needs a
// human to approve the prompt on the device.
type AuthorizationError struct {
	Address string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("samsung: authorization denied by TV at %s; saved token was invalid, accept the new Allow prompt on the TV to pair again", e.Address)
}
