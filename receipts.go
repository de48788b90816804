package stompy

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// receipts tracks frames sent with a receipt header until the matching
// RECEIPT arrives. Each entry carries a buffered channel that is resolved
// exactly once: nil on RECEIPT, ErrReceiptCancelled when the connection goes.
type receipts struct {
	sync.Mutex
	pending map[string]chan error
}

func newReceipts() *receipts {
	return &receipts{pending: make(map[string]chan error)}
}

func (r *receipts) Add(id string) (<-chan error, error) {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.pending[id]; ok {
		return nil, errors.Wrap(ErrDuplicateReceipt, id)
	}
	ch := make(chan error, 1)
	r.pending[id] = ch
	return ch, nil
}

// Resolve completes the receipt and reports whether it was being awaited.
func (r *receipts) Resolve(id string) bool {
	r.Lock()
	defer r.Unlock()
	ch, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	ch <- nil
	return true
}

func (r *receipts) Remove(id string) {
	r.Lock()
	defer r.Unlock()
	delete(r.pending, id)
}

// CancelAll fails every outstanding receipt.
func (r *receipts) CancelAll() {
	r.Lock()
	defer r.Unlock()
	for id, ch := range r.pending {
		ch <- ErrReceiptCancelled
		delete(r.pending, id)
	}
}

func (r *receipts) Count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pending)
}

// awaitReceipt blocks until the receipt resolves, the timeout passes or ctx
// is done. A zero timeout waits on ctx alone.
func awaitReceipt(ctx context.Context, ch <-chan error, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case err := <-ch:
		return err
	case <-expired:
		return ErrReceiptTimeout
	case <-ctx.Done():
		return errors.Wrap(ErrReceiptTimeout, ctx.Err().Error())
	}
}
