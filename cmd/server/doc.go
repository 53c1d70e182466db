// Package main is the entry point for the sandpool server.
//
// Sandpool provisions short-lived, resource-capped sandbox containers, one
// per user, and runs user-submitted code inside them on demand. The server
// exposes the pool over MCP on stdio or HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration. Process termination signals are handled by fx; the
// registered OnStop hook drains the sandbox pool before the process exits.
package main
