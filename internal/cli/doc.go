// Package cli turns the stagehand command line into an app.Config:
// flag parsing, input validation, and process-level concerns like
// usage output and exit codes live here, so main stays a thin shell.
package cli
