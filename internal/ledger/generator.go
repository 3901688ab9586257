package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// batchNamespace seeds the deterministic batch and journal IDs so a replay
// of the event log reproduces identical journals.
var batchNamespace = uuid.MustParse("3b8f6f0e-6f0a-4f55-8a8e-5d2f1d9c7a10")

// JournalGenerator accumulates the journal entries of the command being
// processed. Entries recorded after a Mark can be discarded with Rollback
// so a rejected command leaves no trace.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Begin starts the batch for one command.
func (jg *JournalGenerator) Begin(eventRef string, sequence, timestamp int64) {
	jg.batch = &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%s/%d", eventRef, sequence))),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Transfer records amount moving from one account to another. A negative
// amount moves the other way; zero records nothing.
func (jg *JournalGenerator) Transfer(from, to AccountKey, amount decimal.Decimal, jt JournalType) {
	if jg.batch == nil || amount.IsZero() {
		return
	}
	if amount.IsNegative() {
		from, to, amount = to, from, amount.Neg()
	}
	b := jg.batch
	b.Journals = append(b.Journals, Journal{
		JournalID:     journalID(b.BatchID, len(b.Journals)),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Mark returns a position Rollback can rewind to.
func (jg *JournalGenerator) Mark() int {
	if jg.batch == nil {
		return 0
	}
	return len(jg.batch.Journals)
}

// Rollback drops every entry recorded after mark.
func (jg *JournalGenerator) Rollback(mark int) {
	if jg.batch == nil || mark > len(jg.batch.Journals) {
		return
	}
	jg.batch.Journals = jg.batch.Journals[:mark]
}

// Finish hands over the batch and resets the generator.
func (jg *JournalGenerator) Finish() *Batch {
	b := jg.batch
	jg.batch = nil
	return b
}

func journalID(batchID uuid.UUID, idx int) uuid.UUID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(idx))
	return uuid.NewSHA1(batchID, buf[:])
}
