package client

import "sync/atomic"

// guardState is the feedback-loop guard's two-state machine.
type guardState int32

const (
	guardIdle guardState = iota
	guardApplyingRemote
)

// remoteGuard suppresses re-emission of changes that originated from a
// remote update. While a remote event is being applied to the editor
// surface, any local-edit notification the surface fires is an echo and
// must be discarded, or the update would ping-pong back to the server
// forever.
type remoteGuard struct {
	state atomic.Int32
}

// applyingRemote reports whether a remote update is being applied right
// now.
func (g *remoteGuard) applyingRemote() bool {
	return guardState(g.state.Load()) == guardApplyingRemote
}

// during runs fn with the guard set to ApplyingRemote. The guard returns
// to Idle on every exit path, including a panic inside fn (the editor
// surface is foreign code).
func (g *remoteGuard) during(fn func() error) error {
	g.state.Store(int32(guardApplyingRemote))
	defer g.state.Store(int32(guardIdle))
	return fn()
}
