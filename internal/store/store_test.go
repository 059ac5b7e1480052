package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport/medium"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "mesh.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestCheckpointRoundTripAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	saved := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(mesh.Checkpoint{Node: 12, NextTransmissionID: 77, Role: model.RoleRelay, SavedAt: saved}))
	require.NoError(t, s.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	cp, ok, err := s.LoadCheckpoint(12)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(77), cp.NextTransmissionID)
	require.Equal(t, model.RoleRelay, cp.Role)
	require.True(t, saved.Equal(cp.SavedAt))

	_, ok, err = s.LoadCheckpoint(13)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTopologySnapshot(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	topo := model.Topology{
		LocalID:       5,
		CoordinatorID: 5,
		Version:       9,
		Nodes: []model.NodeView{{
			NetworkNode: model.NetworkNode{ID: 12, Role: model.RoleStealth, SignalStrength: -80, HopCount: 1},
			Active:      true,
		}},
	}
	require.NoError(t, s.SaveTopology(topo))

	got, ok, err := s.LoadTopology(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), got.Version)
	require.Len(t, got.Nodes, 1)
	require.Equal(t, model.RoleStealth, got.Nodes[0].Role)
	require.Equal(t, -80, got.Nodes[0].SignalStrength)
}

func TestPersistAndRestoreNode(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	cfg := mesh.DefaultConfig()
	cfg.ID = 12
	m := medium.New()
	caps := model.StaticCapabilities{BatteryLevel: 80}

	first, err := mesh.New(cfg, m.Attach(12), caps)
	require.NoError(t, err)
	first.Start(time.Unix(0, 0))
	_, err = first.SubmitTo(5, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Persist(first))

	second, err := mesh.New(cfg, medium.New().Attach(12), caps)
	require.NoError(t, err)
	found, err := s.Restore(second)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2), second.Checkpoint().NextTransmissionID)
}

func TestClosedStore(t *testing.T) {
	var s *Store
	require.ErrorIs(t, s.SaveCheckpoint(mesh.Checkpoint{Node: 1}), ErrClosed)
	require.NoError(t, s.Close())
}
