package reconcile

import "github.com/park285/scorekeeper-sync/internal/projection"

// ReadThrough is the Target for pages that never write: spectator and bracket views. Every
// push lands immediately because there is no local work to protect.
type ReadThrough struct {
	book *projection.Book
}

func NewReadThrough(book *projection.Book) *ReadThrough {
	if book == nil {
		book = projection.NewBook()
	}
	return &ReadThrough{book: book}
}

func (r *ReadThrough) ApplyIfSettled(matchID string, fn func(t *projection.Table)) bool {
	fn(r.book.Table(matchID))
	return true
}

func (r *ReadThrough) Snapshot(matchID string) projection.Snapshot {
	return r.book.Table(matchID).Snapshot()
}

// Drop forgets a match no longer observed.
func (r *ReadThrough) Drop(matchID string) {
	r.book.Drop(matchID)
}
