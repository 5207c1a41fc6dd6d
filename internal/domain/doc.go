// Package domain contains the core types of the ticket dispatch subsystem:
// tickets with their scheduler-owned queue state, and batches, the ordered
// per-project groups of tickets that flow through the durable queue.
package domain
