// Package build defines the run-time model of a single build: its
// status lattice, its cause, and the append-only event stream that a
// State is folded from. The fold is the only way state changes; once a
// build reaches a terminal status every further append is rejected with
// a StateTransitionError.
package build
