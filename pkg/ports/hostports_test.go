package ports

import (
	"net"
	"testing"

	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsPortInRange(t *testing.T) {
	a := NewAllocator()
	port, err := a.Allocate(18080)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 18080)
	assert.Less(t, port, 18080+defaultScanWidth)
	assert.True(t, a.InUse(port))
}

func TestAllocateRejectsLowBase(t *testing.T) {
	a := NewAllocator()
	_, err := a.Allocate(80)
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.InvalidInput))
}

func TestAllocateSkipsPortHeldByForeignListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:18090")
	require.NoError(t, err)
	defer ln.Close()

	a := NewAllocator()
	port, err := a.Allocate(18090)
	require.NoError(t, err)
	assert.NotEqual(t, 18090, port)
}

func TestAllocateSkipsAlreadyReserved(t *testing.T) {
	a := NewAllocator()
	first, err := a.Allocate(18100)
	require.NoError(t, err)

	second, err := a.Allocate(18100)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReleaseFreesPort(t *testing.T) {
	a := NewAllocator()
	port, err := a.Allocate(18110)
	require.NoError(t, err)

	a.Release(port)
	assert.False(t, a.InUse(port))
}
