package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("ledger busy")
	wrapped := Wrapf(original, "mint batch %d", 3)

	assert.Contains(t, wrapped.Error(), "mint batch 3")
	assert.Contains(t, wrapped.Error(), "ledger busy")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("job not found"), "Job ID: abc")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: abc", details[0])
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("token %s", "tok-1")

	assert.True(t, IsNotFoundError(err))
	assert.Equal(t, "token tok-1", err.Error())
	assert.False(t, IsNotFoundError(New("other")))
	assert.False(t, IsNotFoundError(nil))
}

func TestValidationIsUnrecoverable(t *testing.T) {
	err := Wrap(NewValidationError("treasury account missing"), "validating")

	assert.True(t, IsValidationError(err))
	assert.True(t, IsUnrecoverable(err))
}

func TestInsufficientBalanceIsUnrecoverable(t *testing.T) {
	err := Mark(Newf("need %.2f, have %.2f", 150.0, 100.0), ErrInsufficientBalance)

	assert.True(t, Is(err, ErrInsufficientBalance))
	assert.True(t, IsUnrecoverable(err))
	assert.False(t, IsValidationError(err))
}

func TestPlainErrorIsRecoverable(t *testing.T) {
	assert.False(t, IsUnrecoverable(New("database is locked")))
	assert.False(t, IsUnrecoverable(nil))
}
