package errdef

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "no such file")))
	assert.Equal(t, KindInternal, KindOf(errors.New("untagged")), "untagged errors default to internal")

	wrapped := fmt.Errorf("outer: %w", New(KindExpired, "gone"))
	assert.Equal(t, KindExpired, KindOf(wrapped), "kinds survive plain wrapping")
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindWorkspaceProjectionFailed, fs.ErrNotExist, "upload failed")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, KindWorkspaceProjectionFailed, KindOf(err))
	assert.Contains(t, err.Error(), "upload failed")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, nil, "ignored"))
}

func TestIs(t *testing.T) {
	err := New(KindQuotaExhausted, "spent")
	assert.True(t, Is(err, KindQuotaExhausted))
	assert.False(t, Is(err, KindExpired))
	assert.False(t, Is(nil, KindInternal))
}

func TestRewrapOuterKindWins(t *testing.T) {
	inner := New(KindNotFound, "missing blob")
	outer := Wrap(KindWorkspaceProjectionFailed, inner, "projection")
	assert.Equal(t, KindWorkspaceProjectionFailed, KindOf(outer))
}
