package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := NotFoundf("atom.GetLatest", "ref %s has no head", "r1")
	assert.Equal(t, "atom.GetLatest: NOT_FOUND: ref r1 has no head", err.Error())

	cause := errors.New("disk full")
	wrapped := Wrap(InvalidData, "storage.Put", cause, "write atom")
	assert.Equal(t, "storage.Put: INVALID_DATA: write atom: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestClassificationThroughWrapping(t *testing.T) {
	base := InvalidFieldf("schema.Field", "unknown field %q", "z")
	wrapped := fmt.Errorf("write A.z: %w", base)

	assert.True(t, IsInvalidField(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, InvalidField, CodeOf(wrapped))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundf("", "x")))
	assert.True(t, IsInvalidData(InvalidDataf("", "x")))
	assert.True(t, IsInvalidPermission(InvalidPermissionf("", "x")))
	assert.False(t, IsNotFound(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.NoError(t, Wrap(NotFound, "op", nil, "ignored"))
}
