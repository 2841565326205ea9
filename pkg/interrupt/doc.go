// Package interrupt lets external reviewers inspect paused threads and answer them.
package interrupt
