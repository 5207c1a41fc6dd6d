// Package postgres provides PostgreSQL-backed implementations of the store
// interfaces. PostgreSQL is the coordination substrate shared by every
// dispatcher process: the batch queue, the project locks and the cancellation
// flags all live here so they survive process restarts.
package postgres
