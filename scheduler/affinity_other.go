//go:build !linux

package scheduler

// setAffinity is a no-op where thread affinity is not available.
func setAffinity(int) error {
	return nil
}
