package emit

// Emitter receives run events as they happen.
//
// Emit is called synchronously from the engine's run loop, so
// implementations should return quickly and must be safe for
// concurrent use: parallel group members report through the same
// emitter. An emitter must never panic; a misbehaving observability
// sink should not take down a run.
type Emitter interface {
	Emit(event Event)
}
