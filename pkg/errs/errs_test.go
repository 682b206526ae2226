package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(TransientIO, "catalog.GetTable", errors.New("connection refused"))
	wrapped := fmt.Errorf("querier: reconcile: %w", base)

	assert.Equal(t, TransientIO, KindOf(wrapped))
	assert.True(t, Is(wrapped, TransientIO))
	assert.False(t, Is(wrapped, Fatal))
}

func TestKindOfNonErrsErrorIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	e := New(InvalidInput, "ingest.Apply", errors.New("unknown shard 7"))
	assert.Contains(t, e.Error(), "ingest.Apply")
	assert.Contains(t, e.Error(), "invalid_input")
	assert.Contains(t, e.Error(), "unknown shard 7")
}
