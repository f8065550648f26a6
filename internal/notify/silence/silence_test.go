package silence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/statefile"
)

func newList(t *testing.T) (*List, *statefile.File) {
	t.Helper()
	file := statefile.NewDir(t.TempDir()).File("silenced")
	l, err := NewList(file)
	require.NoError(t, err)
	return l, file
}

func TestSilenceAndUnsilence(t *testing.T) {
	l, _ := newList(t)
	network := uuid.New()

	require.NoError(t, l.Silence(Entry{NetworkID: network, DeviceIP: "10.0.0.1", SilencedBy: uuid.New()}))
	assert.True(t, l.IsSilenced(network, "10.0.0.1"))
	assert.False(t, l.IsSilenced(network, "10.0.0.2"))
	assert.False(t, l.IsSilenced(uuid.New(), "10.0.0.1"), "silence is network-scoped")

	require.NoError(t, l.Unsilence(network, "10.0.0.1"))
	assert.False(t, l.IsSilenced(network, "10.0.0.1"))
	assert.ErrorIs(t, l.Unsilence(network, "10.0.0.1"), model.ErrNotFound)
}

func TestTimedSilenceExpires(t *testing.T) {
	l, _ := newList(t)
	network := uuid.New()
	past := time.Now().Add(-time.Minute)

	require.NoError(t, l.Silence(Entry{NetworkID: network, DeviceIP: "10.0.0.1", Until: &past}))
	assert.False(t, l.IsSilenced(network, "10.0.0.1"))
	assert.Empty(t, l.ForNetwork(network))
}

func TestListSurvivesRestart(t *testing.T) {
	l, file := newList(t)
	network := uuid.New()
	require.NoError(t, l.Silence(Entry{NetworkID: network, DeviceIP: "10.0.0.1", DeviceName: "printer"}))

	reopened, err := NewList(file)
	require.NoError(t, err)
	assert.True(t, reopened.IsSilenced(network, "10.0.0.1"))

	entries := reopened.ForNetwork(network)
	require.Len(t, entries, 1)
	assert.Equal(t, "printer", entries[0].DeviceName)
}

func TestSilenceRequiresDeviceIP(t *testing.T) {
	l, _ := newList(t)
	assert.ErrorIs(t, l.Silence(Entry{NetworkID: uuid.New()}), model.ErrValidation)
}
