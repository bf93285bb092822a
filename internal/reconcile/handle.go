package reconcile

import "context"

// Handle tracks one local mutation until the backend answers.
type Handle struct {
	done chan struct{}
	err  error
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the backend has answered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the backend's answer, nil until Done is closed. A missing target is
// not an error.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
