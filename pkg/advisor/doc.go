// Package advisor defines the pluggable adaptive-learning interface: an
// external policy reads cache and drift metrics and proposes threshold
// changes, which the engine applies atomically at its next poll.
package advisor
