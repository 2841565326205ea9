// Package housekeeping removes threads whose history is no longer needed.
package housekeeping
