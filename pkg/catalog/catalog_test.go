package catalog

import (
	"testing"

	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	c := NewMemCatalog()
	require.NoError(t, c.Register(ModelEntry{
		ModelID:   "m1",
		ModelName: "llama7b",
		LaunchSpec: types.LaunchSpec{
			ModelID:   "m1",
			ModelName: "llama7b",
			ModelPath: "/m/llama7b.gguf",
		},
	}))

	spec, err := c.Resolve("llama7b")
	require.NoError(t, err)
	assert.Equal(t, "/m/llama7b.gguf", spec.ModelPath)
}

func TestResolveNotFound(t *testing.T) {
	c := NewMemCatalog()
	_, err := c.Resolve("missing")
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.NotFound))
}

func TestList(t *testing.T) {
	c := NewMemCatalog()
	require.NoError(t, c.Register(ModelEntry{ModelName: "a"}))
	require.NoError(t, c.Register(ModelEntry{ModelName: "b"}))
	assert.Len(t, c.List(), 2)
}
