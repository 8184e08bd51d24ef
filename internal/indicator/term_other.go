//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package indicator

func isTerminal(int) bool {
	return false
}
