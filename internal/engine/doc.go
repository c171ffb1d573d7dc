// Package engine implements the task orchestration core. It validates
// submissions against the registry, drives chain, group, and chord
// compositions, consumes the runtime's at-least-once lifecycle
// notifications through the state tracker, and applies retry/backoff policy
// to failures. The chord barrier is an atomic countdown: exactly one
// completion notification observes the zero transition and fires the
// callback.
package engine
