package subscriber

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionStreamEnded means the reader no longer holds a source.
	// It is terminal; callers should stop polling.
	ErrSubscriptionStreamEnded = errors.New("subscription stream ended")
	// ErrStreamError is kept for sources that can fail while being read.
	// The channel-backed reader never returns it.
	ErrStreamError = errors.New("error reading from subscription stream")
	// ErrMessage means a payload in the drained batch could not be decoded.
	ErrMessage = errors.New("message deserialization error")
	// ErrReaderNotInitialized is returned by a reader that was not built by New.
	ErrReaderNotInitialized = errors.New("subscription reader is not initialized")
)

// MessageError reports the first payload of a batch that failed to decode.
// The whole batch is discarded when it is returned.
type MessageError struct {
	Topic string
	Index int
	Err   error
}

func (e *MessageError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("%v: item %d: %v", ErrMessage, e.Index, e.Err)
	}
	return fmt.Sprintf("%v: topic %s item %d: %v", ErrMessage, e.Topic, e.Index, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

func (e *MessageError) Is(target error) bool { return target == ErrMessage }
