package reconcile

import (
	"sync"

	"github.com/agentstation/migrator/pkg/records"
)

// reservation is the book's entry for one key.
type reservation struct {
	ticket     records.ReservationTicket
	winner     records.Candidate
	conflicted bool
}

// Book holds the reservation tickets of a run. The first stake on a key wins;
// every later stake on the same key loses. A Book is shared by all batches of
// a run and is safe for concurrent use.
type Book struct {
	mu      sync.Mutex
	entries map[records.ReservationKey]*reservation
}

// NewBook creates an empty reservation book.
func NewBook() *Book {
	return &Book{entries: make(map[records.ReservationKey]*reservation)}
}

// Stake claims key for the candidate c staked by batch. The returned ticket is
// the winner when the key was unclaimed, otherwise a loser carrying c's hash.
// The holder describes the winning stake either way.
func (b *Book) Stake(key records.ReservationKey, batch int64, c records.Candidate) (records.ReservationTicket, Holder) {
	return b.stake(key, batch, c, false)
}

// StakeConflicted is Stake for a key whose candidates already diverge. A
// winning ticket is flagged for manual review in the same step, so no other
// batch can observe it unflagged.
func (b *Book) StakeConflicted(key records.ReservationKey, batch int64, c records.Candidate) (records.ReservationTicket, Holder) {
	return b.stake(key, batch, c, true)
}

func (b *Book) stake(key records.ReservationKey, batch int64, c records.Candidate, conflicted bool) (records.ReservationTicket, Holder) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ticket := records.ReservationTicket{
		Key:      key,
		Outcome:  records.Loser,
		Hash:     c.Hash,
		Batch:    batch,
		Position: c.Position,
	}
	if r, ok := b.entries[key]; ok {
		return ticket, r.holder()
	}
	ticket.Outcome = records.Winner
	r := &reservation{ticket: ticket, winner: c, conflicted: conflicted}
	b.entries[key] = r
	return ticket, r.holder()
}

// MarkConflicted flags key for manual review. Later stakes on it are
// conflicts no matter what they carry.
func (b *Book) MarkConflicted(key records.ReservationKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.entries[key]; ok {
		r.conflicted = true
	}
}

// Holder returns the current holder of key.
func (b *Book) Holder(key records.ReservationKey) (Holder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.entries[key]
	if !ok {
		return Holder{}, false
	}
	return r.holder(), true
}

// Len returns the number of claimed keys.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Holder describes the winning stake on a key.
type Holder struct {
	Ticket     records.ReservationTicket
	Candidate  records.Candidate
	Conflicted bool
}

func (r *reservation) holder() Holder {
	return Holder{Ticket: r.ticket, Candidate: r.winner, Conflicted: r.conflicted}
}
