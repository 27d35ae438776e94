// Package offline reports whether the host has any usable route to the internet.
package offline

import "context"

// Static never reports the host offline. It is used where no detection exists
// or when detection is disabled.
type Static struct{}

// Subscribe yields a single online value and closes when ctx ends.
func (Static) Subscribe(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	out <- false
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

// publish delivers v unless ctx is done.
func publish(ctx context.Context, out chan<- bool, v bool) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
