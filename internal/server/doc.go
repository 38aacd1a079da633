// Package server manages HTTP server lifecycle: non-blocking start,
// graceful shutdown with a bounded timeout, and OS signal handling.
package server
