// Package httpserver manages HTTP listener lifecycle: background serve,
// asynchronous error reporting, and graceful shutdown with a timeout.
package httpserver
