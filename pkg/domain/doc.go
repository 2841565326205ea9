/*
Package domain contains the core domain models of the espalier workflow engine.

It defines the values that flow through a run: the shared State and its merge
policies, immutable Checkpoints, Interrupt requests and the Decisions that answer
them, and the tagged RunResult returned by the executor. This package is kept pure
and free of I/O, following Hexagonal Architecture principles.

# Key Entities

  - State: The shared record passed between steps, merged through FieldPolicies.
  - Checkpoint: An append-only snapshot of a thread (step index, next node, state).
  - InterruptRequest: A pause before a gated node, awaiting a Decision.
  - Decision: approve, reject (with a reason) or replace (with new field values).
  - RunResult: Completed, Paused or Failed outcome of Start/Resume.
*/
package domain
