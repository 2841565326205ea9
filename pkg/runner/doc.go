/*
Package runner drives a thread from a terminal or a pipe.

It starts (or picks up) a thread and answers each interrupt through a pluggable
IOHandler until the thread completes, fails, or the reviewer quits. A thread left
paused by quitting is resumed by running it again.

# Key Components

  - Runner: the loop, built on the engine's Drain.
  - TextHandler: interactive review with commands such as `approve` or `reject too long`.
  - JSONHandler: JSON-Lines review for scripts and other processes.

# Usage

	r := runner.NewRunner(
		runner.WithInputHandler(runner.NewTextHandler(os.Stdin, os.Stdout)),
	)

	result, err := r.Run(ctx, engine, "thread-1", domain.State{"topic": "espaliers"})
*/
package runner
