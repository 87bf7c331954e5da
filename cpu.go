package swarm

// CPUReader samples CPU utilization as a percentage in [0, 100].
// Package cpuutil provides process-wide and machine-wide implementations.
type CPUReader interface {
	Utilization() int
}
