//go:build !linux && !windows

package swarm

// currentThreadID returns 0 where thread ids are not available, which
// reduces the ownership check on worker scopes to the context alone.
func currentThreadID() int {
	return 0
}
