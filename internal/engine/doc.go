// Package engine executes builds. A fixed pool of workers pops
// admitted builds from the intake queue and walks each one's stage
// tree: guards, agent leases, sequential steps, parallel fan-out,
// retries, timeouts and input gates. Every observable fact is appended
// to the build store as it happens, and each terminal build is handed
// to the post-action dispatcher exactly once.
package engine
