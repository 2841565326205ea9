/*
Package observability provides tools for monitoring the Espalier engine.

Everything here is fed by domain.LifecycleHooks: Metrics turns hook events into
Prometheus counters and histograms, and Feed fans them out to live subscribers
(the HTTP event stream and the CLI watch mode) with checkpoint diffs attached.
*/
package observability
