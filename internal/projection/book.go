package projection

import "sync"

// Book holds one table per match for read-only viewers (spectator and bracket pages).
type Book struct {
	mu     sync.Mutex
	tables map[string]*Table
}

func NewBook() *Book {
	return &Book{tables: make(map[string]*Table)}
}

// Table returns the match table, creating it on first use.
func (b *Book) Table(matchID string) *Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[matchID]
	if !ok {
		t = NewTable(matchID)
		b.tables[matchID] = t
	}
	return t
}

// Drop forgets a match no longer observed.
func (b *Book) Drop(matchID string) {
	b.mu.Lock()
	delete(b.tables, matchID)
	b.mu.Unlock()
}
