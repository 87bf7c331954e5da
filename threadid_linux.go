//go:build linux

package swarm

import "golang.org/x/sys/unix"

// currentThreadID returns the OS thread id of the caller.
func currentThreadID() int {
	return unix.Gettid()
}
