package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"PerpEngine/internal/apperr"
)

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := apperr.New(apperr.KindUnitMismatch, "claimReceipts", "sold %s of %s", "3", "4")
	wrapped := fmt.Errorf("market BTC-PERP: %w", err)

	assert.ErrorIs(t, wrapped, apperr.ErrUnitMismatch)
	assert.NotErrorIs(t, wrapped, apperr.ErrAlreadyClaimed)
	assert.Equal(t, apperr.KindUnitMismatch, apperr.KindOf(wrapped))
	assert.Equal(t, "claimReceipts: UnitMismatch: sold 3 of 4", err.Error())
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(errors.New("boom")))
}
