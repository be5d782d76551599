package session

import (
	"context"
)

// AwaitStreaming consumes state changes until the session streams or gives up.
// onChange, when set, sees every change consumed along the way.
//
// When ctx ends first the session is told to Disconnect and ctx.Err() is
// returned, so a caller-side connect timeout releases the link.
func AwaitStreaming(ctx context.Context, s *Session, onChange func(StateChange)) error {
	for {
		select {
		case <-ctx.Done():
			s.Disconnect()
			return ctx.Err()
		case ch, ok := <-s.StateChanges():
			if !ok {
				return ErrSessionClosed
			}
			if onChange != nil {
				onChange(ch)
			}
			switch ch.To {
			case Streaming:
				return nil
			case Error:
				return ch.Reason
			case Disconnected:
				if ch.From != Disconnected {
					return ErrLinkLost
				}
			}
		}
	}
}
