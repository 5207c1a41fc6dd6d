package dispatch_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memQueue is an in-memory QueueStore with the same FIFO and re-append
// semantics as the postgres implementation.
type memQueue struct {
	mu      sync.Mutex
	batches []*domain.Batch

	failWith error
}

func (q *memQueue) Append(_ context.Context, batch *domain.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	clone := *batch
	clone.TicketIDs = append([]int64(nil), batch.TicketIDs...)
	q.batches = append(q.batches, &clone)
	return nil
}

func (q *memQueue) Pop(_ context.Context) (*domain.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return nil, q.failWith
	}
	if len(q.batches) == 0 {
		return nil, store.ErrBatchNotFound
	}
	head := q.batches[0]
	q.batches = q.batches[1:]
	return head, nil
}

func (q *memQueue) RemoveTicket(_ context.Context, projectID, ticketID int64) (*domain.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return nil, q.failWith
	}
	for i, batch := range q.batches {
		if batch.ProjectID != projectID || !batch.Contains(ticketID) {
			continue
		}
		found := *batch
		found.TicketIDs = append([]int64(nil), batch.TicketIDs...)

		batch.RemoveTicket(ticketID)
		q.batches = append(q.batches[:i], q.batches[i+1:]...)
		if !batch.Empty() {
			q.batches = append(q.batches, batch)
		}
		return &found, nil
	}
	return nil, store.ErrBatchNotFound
}

func (q *memQueue) Find(_ context.Context, projectID int64) (*store.ProjectQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return nil, q.failWith
	}
	result := &store.ProjectQueue{}
	for i, batch := range q.batches {
		if batch.ProjectID != projectID {
			continue
		}
		if result.Position == 0 {
			result.Position = i + 1
		}
		result.TicketIDs = append(result.TicketIDs, batch.TicketIDs...)
	}
	if result.Position == 0 {
		return nil, store.ErrBatchNotFound
	}
	return result, nil
}

func (q *memQueue) Length(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return 0, q.failWith
	}
	return len(q.batches), nil
}

func (q *memQueue) TotalTickets(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return 0, q.failWith
	}
	total := 0
	for _, batch := range q.batches {
		total += len(batch.TicketIDs)
	}
	return total, nil
}

func (q *memQueue) HasProject(_ context.Context, projectID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return false, q.failWith
	}
	for _, batch := range q.batches {
		if batch.ProjectID == projectID {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.batches = nil
	return nil
}

func (q *memQueue) snapshot() []*domain.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Batch(nil), q.batches...)
}

type lockEntry struct {
	holder  uuid.UUID
	expires time.Time
}

// memLocks is an in-memory LockStore with TTL semantics.
type memLocks struct {
	mu    sync.Mutex
	locks map[int64]lockEntry

	failWith error
}

func newMemLocks() *memLocks {
	return &memLocks{locks: make(map[int64]lockEntry)}
}

func (l *memLocks) Acquire(_ context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return false, l.failWith
	}
	if entry, ok := l.locks[projectID]; ok && entry.expires.After(time.Now()) {
		return false, nil
	}
	l.locks[projectID] = lockEntry{holder: holder, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *memLocks) Renew(_ context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	entry, ok := l.locks[projectID]
	if !ok || entry.holder != holder || !entry.expires.After(time.Now()) {
		return store.ErrLockNotHeld
	}
	entry.expires = time.Now().Add(ttl)
	l.locks[projectID] = entry
	return nil
}

func (l *memLocks) Release(_ context.Context, projectID int64, holder uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	entry, ok := l.locks[projectID]
	if !ok || entry.holder != holder {
		return store.ErrLockNotHeld
	}
	delete(l.locks, projectID)
	return nil
}

func (l *memLocks) IsHeld(_ context.Context, projectID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return false, l.failWith
	}
	entry, ok := l.locks[projectID]
	return ok && entry.expires.After(time.Now()), nil
}

func (l *memLocks) ForceRelease(_ context.Context, projectID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return false, l.failWith
	}
	_, ok := l.locks[projectID]
	delete(l.locks, projectID)
	return ok, nil
}

func (l *memLocks) HeldProjects(_ context.Context) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return nil, l.failWith
	}
	var ids []int64
	for projectID, entry := range l.locks {
		if entry.expires.After(time.Now()) {
			ids = append(ids, projectID)
		}
	}
	return ids, nil
}

// memCancels is an in-memory CancellationStore with TTL semantics.
type memCancels struct {
	mu    sync.Mutex
	flags map[int64]time.Time

	failWith error
}

func newMemCancels() *memCancels {
	return &memCancels{flags: make(map[int64]time.Time)}
}

func (c *memCancels) Set(_ context.Context, ticketID int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.flags[ticketID] = time.Now().Add(ttl)
	return nil
}

func (c *memCancels) IsSet(_ context.Context, ticketID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return false, c.failWith
	}
	expires, ok := c.flags[ticketID]
	return ok && expires.After(time.Now()), nil
}

func (c *memCancels) Clear(_ context.Context, ticketID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	delete(c.flags, ticketID)
	return nil
}

func (c *memCancels) ClearAll(_ context.Context, ticketIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	for _, id := range ticketIDs {
		delete(c.flags, id)
	}
	return nil
}

// memTickets is an in-memory TicketStore tracking queue state per ticket.
// Updates issued while a fakeTxRunner transaction is open are recorded in
// txOps so tests can assert which calls were grouped.
type memTickets struct {
	mu      sync.Mutex
	tickets map[int64]*domain.Ticket
	inTx    bool
	txOps   []string

	failWith error
}

func newMemTickets() *memTickets {
	return &memTickets{tickets: make(map[int64]*domain.Ticket)}
}

func (s *memTickets) seed(ticketID, projectID int64, status domain.TicketStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticketID] = &domain.Ticket{
		ID:          ticketID,
		ProjectID:   projectID,
		Status:      status,
		QueueStatus: domain.QueueStatusNone,
		UpdatedAt:   time.Now(),
	}
}

func (s *memTickets) get(ticketID int64) domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket, ok := s.tickets[ticketID]; ok {
		return *ticket
	}
	return domain.Ticket{}
}

func (s *memTickets) setInTx(inTx bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = inTx
}

func (s *memTickets) recordOp(name string) {
	if s.inTx {
		s.txOps = append(s.txOps, name)
	}
}

func (s *memTickets) transactionalOps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.txOps...)
}

func (s *memTickets) MarkQueued(_ context.Context, ticketIDs []int64, taskID uuid.UUID, queuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.recordOp("mark_queued")
	for _, id := range ticketIDs {
		ticket, ok := s.tickets[id]
		if !ok {
			continue
		}
		ticket.QueueStatus = domain.QueueStatusQueued
		at := queuedAt
		ticket.QueuedAt = &at
		task := taskID
		ticket.QueueTaskID = &task
	}
	return nil
}

func (s *memTickets) MarkExecuting(_ context.Context, ticketID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if ticket, ok := s.tickets[ticketID]; ok {
		ticket.QueueStatus = domain.QueueStatusExecuting
	}
	return nil
}

func (s *memTickets) ClearQueueState(_ context.Context, ticketID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if ticket, ok := s.tickets[ticketID]; ok {
		ticket.QueueStatus = domain.QueueStatusNone
		ticket.QueuedAt = nil
		ticket.QueueTaskID = nil
	}
	return nil
}

func (s *memTickets) ClearQueueStateAll(ctx context.Context, ticketIDs []int64) error {
	for _, id := range ticketIDs {
		if err := s.ClearQueueState(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *memTickets) ResetForRetry(_ context.Context, ticketIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.recordOp("reset_for_retry")
	var resetIDs []int64
	for _, id := range ticketIDs {
		ticket, ok := s.tickets[id]
		if !ok {
			continue
		}
		if ticket.Status == domain.TicketStatusBlocked || ticket.Status == domain.TicketStatusFailed {
			ticket.Status = domain.TicketStatusPending
			resetIDs = append(resetIDs, id)
		}
	}
	return resetIDs, nil
}

func (s *memTickets) GetQueueState(_ context.Context, ticketID int64) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, store.ErrTicketNotFound
	}
	clone := *ticket
	return &clone, nil
}

func (s *memTickets) WithTx(_ *sql.Tx) store.TicketStore { return s }

// fakeTxRunner satisfies store.TxRunner without a database. It flags the
// ticket store while fn runs so tests can assert which updates were grouped
// into one transaction.
type fakeTxRunner struct {
	tickets *memTickets

	mu    sync.Mutex
	calls int
}

func (r *fakeTxRunner) InTransaction(ctx context.Context, fn store.TxFn) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	r.tickets.setInTx(true)
	defer r.tickets.setInTx(false)
	return fn(ctx, nil)
}

func (r *fakeTxRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
