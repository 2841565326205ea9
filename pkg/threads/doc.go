/*
Package threads implements thread access control and checkpoint orchestration.

It serializes runs of the same thread inside one process with ref-counted mutexes,
optionally across replicas through a ports.DistributedLocker, and translates store
lookups into the engine's error taxonomy.
*/
package threads
