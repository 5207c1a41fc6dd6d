// Package coordinator hosts the in-process concurrency coordinator: a global
// counting semaphore capping simultaneous ticket executions and a lazily
// grown map of per-project binary semaphores guaranteeing that no two tickets
// of one project ever run at the same time in this process.
package coordinator
