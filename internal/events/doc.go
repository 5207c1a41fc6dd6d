// Package events defines the status notification boundary: every queue or
// workflow status change a ticket goes through is published as a StatusEvent
// for a real-time transport to pick up. Delivery is best-effort by contract.
package events
