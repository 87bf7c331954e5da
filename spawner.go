package swarm

// SpawnHints describe the thread a Spawner is asked to start.
type SpawnHints struct {
	// Name identifies the thread in logs, e.g. "swarm-worker-3" or "swarm-gate".
	Name string

	// Background marks a thread that must not keep the process alive.
	// Goroutines never do, so the default spawner ignores it.
	Background bool

	// StackSize is a hint for the stack size in bytes, 0 for the platform
	// default. Goroutine stacks grow on demand, so the default spawner
	// ignores it.
	StackSize int
}

// Spawner starts the threads the pool runs on. Spawn must run entry
// asynchronously and return an error only if the thread could not be
// started, in which case entry must never run.
//
// Workers wire themselves to their OS thread for their whole lifetime, so
// the thread is destroyed when a worker exits.
type Spawner interface {
	Spawn(entry func(), hints SpawnHints) error
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(entry func(), hints SpawnHints) error

// Spawn calls f(entry, hints).
func (f SpawnerFunc) Spawn(entry func(), hints SpawnHints) error {
	return f(entry, hints)
}

// GoSpawner starts every entry on a new goroutine. It never fails.
type GoSpawner struct{}

// Spawn starts entry on a new goroutine.
func (GoSpawner) Spawn(entry func(), _ SpawnHints) error {
	go entry()
	return nil
}
