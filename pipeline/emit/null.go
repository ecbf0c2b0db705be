package emit

// NullEmitter discards all events. It is the engine default when no
// emitter is configured, so callers never need nil checks around the
// event path.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
