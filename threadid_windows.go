//go:build windows

package swarm

import "golang.org/x/sys/windows"

// currentThreadID returns the OS thread id of the caller.
func currentThreadID() int {
	return int(windows.GetCurrentThreadId())
}
