//go:build !linux

package native

func selfTraceBlocked() bool {
	return false
}

func harden(onTrap func()) error {
	return ErrUnsupported
}
