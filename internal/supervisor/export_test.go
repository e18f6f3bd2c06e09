package supervisor

import "golang.org/x/sys/unix"

// SetSignalGroup swaps the group-signal primitive and returns a restore func.
func SetSignalGroup(f func(pgid int, sig unix.Signal) error) (restore func()) {
	prev := signalGroup
	signalGroup = f
	return func() { signalGroup = prev }
}
