// Package app wires the subsystems into a running orchestrator. It
// defines the main App struct, its configuration, and the startup and
// shutdown lifecycle, decoupled from any specific entrypoint like a
// CLI.
package app
