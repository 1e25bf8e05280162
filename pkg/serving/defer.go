package serving

// ScopedDefer is an owned, at-most-once action. It is either completed at
// the end of the delivery call or detached and parked on the response for
// a later explicit completion. Two transitions exist: fire-now and
// store-for-later; never both.
type ScopedDefer struct {
	fn func()
}

// NewScopedDefer arms an action.
func NewScopedDefer(fn func()) *ScopedDefer { return &ScopedDefer{fn: fn} }

// Complete fires the action if it is still armed.
func (d *ScopedDefer) Complete() {
	if fn := d.fn; fn != nil {
		d.fn = nil
		fn()
	}
}

// Detach disarms the defer and hands the action to the caller. A
// subsequent Complete is a no-op.
func (d *ScopedDefer) Detach() func() {
	fn := d.fn
	d.fn = nil
	if fn == nil {
		fn = func() {}
	}
	return fn
}
