package volume_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/volume"
)

func TestManager_CreateStartsAvailable(t *testing.T) {
	m := volume.NewManager()
	v, err := m.Create(workflow.StorageSpec{Name: "scratch", SizeLimit: 1024}, workflow.VolumeOwnership{Type: "workflow_execution", ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.VolumeAvailable, v.Status)
}

func TestManager_CreatePopulatesRemotePath(t *testing.T) {
	m := volume.NewManager()
	v, err := m.Create(workflow.StorageSpec{Name: "scratch"}, workflow.VolumeOwnership{})
	require.NoError(t, err)
	require.NotEmpty(t, v.RemotePath)

	// Re-fetching (as a second agent attaching the same volume would)
	// must see the identical remote_path, not a freshly minted one.
	got, err := m.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.RemotePath, got.RemotePath)
}

func TestManager_AttachDetachRoundtrip(t *testing.T) {
	m := volume.NewManager()
	v, err := m.Create(workflow.StorageSpec{Name: "scratch"}, workflow.VolumeOwnership{})
	require.NoError(t, err)

	require.NoError(t, m.Attach(v.ID, "e1"))
	got, err := m.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.VolumeAttached, got.Status)
	assert.Equal(t, "e1", got.Ownership.ID)

	require.NoError(t, m.Detach(v.ID))
	got, err = m.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.VolumeDetached, got.Status)
}

func TestManager_RejectsDoubleAttach(t *testing.T) {
	m := volume.NewManager()
	v, err := m.Create(workflow.StorageSpec{Name: "scratch"}, workflow.VolumeOwnership{})
	require.NoError(t, err)

	require.NoError(t, m.Attach(v.ID, "e1"))
	err = m.Attach(v.ID, "e2")
	require.Error(t, err)
}

func TestManager_RejectsDeleteWhileAttached(t *testing.T) {
	m := volume.NewManager()
	v, err := m.Create(workflow.StorageSpec{Name: "scratch"}, workflow.VolumeOwnership{})
	require.NoError(t, err)
	require.NoError(t, m.Attach(v.ID, "e1"))

	err = m.Delete(v.ID)
	require.Error(t, err)
}

func TestManager_ExpireDueExpiresOnlyPastTTL(t *testing.T) {
	m := volume.NewManager()
	expiringSoon, err := m.Create(workflow.StorageSpec{
		Name:         "ephemeral",
		StorageClass: workflow.StorageClass{Type: "ephemeral", TTL: time.Millisecond},
	}, workflow.VolumeOwnership{})
	require.NoError(t, err)

	persistent, err := m.Create(workflow.StorageSpec{Name: "durable"}, workflow.VolumeOwnership{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	expired := m.ExpireDue(time.Now())
	require.Contains(t, expired, expiringSoon.ID)
	require.NotContains(t, expired, persistent.ID)

	got, err := m.Get(expiringSoon.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.VolumeExpired, got.Status)
}
