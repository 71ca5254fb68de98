/*
Package resilience provides a circuit breaker.

The session manager wraps process creation in a breaker so that a broken
installation (missing executable, exhausted process table) fails fast instead
of forking on every client request.

# Usage

	breaker := resilience.New("spawn", resilience.Settings{
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.ConsecutiveFailures(5),
	})

	proc, err := resilience.Do(breaker, func() (Process, error) {
		return spawner.Spawn(ctx, spec)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open
*/
package resilience
