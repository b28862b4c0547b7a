// Package events provides a buffered publish/subscribe broker for engine
// events: drift detection and repair, mutations, saga rollbacks, and
// federation membership changes.
package events
