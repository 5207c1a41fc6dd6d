// Package dispatch is the producer/consumer surface of the ticket dispatch
// subsystem: the Dispatcher facade upstream handlers call, the Consumer loop
// that drives queued batches through the coordinator under the distributed
// project lock, and the CancellationWatcher that turns shared-store
// cancellation flags into context cancellation.
package dispatch
