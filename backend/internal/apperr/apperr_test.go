package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassified(t *testing.T) {
	err := E(FailedPrecondition, "insufficient_funds", "not enough cash")
	assert.Equal(t, FailedPrecondition, KindOf(err))
	assert.Equal(t, "insufficient_funds", CodeOf(err))
	assert.True(t, Is(err, FailedPrecondition))
	assert.False(t, Is(err, NotFound))
}

func TestKindOfUnclassifiedDefaultsToInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "", CodeOf(err))
}

func TestKindOfNil(t *testing.T) {
	assert.Equal(t, Internal, KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("row locked")
	err := Wrap(Conflict, "concurrent_update", "retry exhausted", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Conflict, KindOf(err))
	assert.Contains(t, err.Error(), "conflict")
	assert.Contains(t, err.Error(), "row locked")
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := E(NotFound, "account_not_found", "account not found")
	outer := fmt.Errorf("place order: %w", inner)

	assert.Equal(t, NotFound, KindOf(outer))
	assert.Equal(t, "account_not_found", CodeOf(outer))
}

func TestErrorfFormats(t *testing.T) {
	err := Errorf(InvalidArgument, "invalid_side", "invalid side %q", "hold")
	assert.Contains(t, err.Error(), `invalid side "hold"`)
}
