package ctlerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := NotFoundf("model %q", "llama7b")
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, code)
}

func TestIs(t *testing.T) {
	err := Loadingf("swap in progress")
	assert.True(t, Is(err, Loading))
	assert.False(t, Is(err, Fatal))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, "health probe failed", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOfPlainError(t *testing.T) {
	_, ok := CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}
