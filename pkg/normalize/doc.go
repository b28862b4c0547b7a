// Package normalize repairs cross-modal drift by re-deriving drifted
// modalities from the authoritative one: synchronously (push), on next
// read (pull), by severity (hybrid), or by quarantining integrity
// violations.
package normalize
