package liquidation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
)

// FillRecord is a trade kept so liquidators can prove how they unwound.
type FillRecord struct {
	ID        uuid.UUID       `json:"id"`
	Long      uuid.UUID       `json:"long"`
	Short     uuid.UUID       `json:"short"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// FillBook indexes recent fills by ID.
type FillBook struct {
	fills map[uuid.UUID]FillRecord
}

func NewFillBook() *FillBook {
	return &FillBook{fills: make(map[uuid.UUID]FillRecord)}
}

func (b *FillBook) Add(f FillRecord) error {
	if _, ok := b.fills[f.ID]; ok {
		return apperr.New(apperr.KindInvalidArgument, "recordFill", "fill %s already recorded", f.ID)
	}
	b.fills[f.ID] = f
	return nil
}

func (b *FillBook) Get(id uuid.UUID) (FillRecord, bool) {
	f, ok := b.fills[id]
	return f, ok
}

func (b *FillBook) Len() int { return len(b.fills) }

// Prune drops fills older than cutoff and returns their IDs.
func (b *FillBook) Prune(cutoff time.Time) []uuid.UUID {
	var dropped []uuid.UUID
	for id, f := range b.fills {
		if f.Timestamp.Before(cutoff) {
			dropped = append(dropped, id)
			delete(b.fills, id)
		}
	}
	return dropped
}

// All returns every fill ordered by time then ID.
func (b *FillBook) All() []FillRecord {
	out := make([]FillRecord, 0, len(b.fills))
	for _, f := range b.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
