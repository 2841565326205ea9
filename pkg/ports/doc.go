/*
Package ports defines the driven ports (interfaces) of the espalier engine.

These interfaces decouple the executor from external implementations, allowing
the same graph to run against various storage backends and lock providers.

# Key Interfaces

  - CheckpointStore: Append-only persistence of thread checkpoints.
  - DistributedLocker: Distributed locking for serializing runs of one thread across replicas.

RunCheckpointStoreContract is an exported conformance suite that every
CheckpointStore adapter runs from its own tests.
*/
package ports
