// Package volume implements VolumeManager (C8): the lifecycle of a
// named workspace a WorkflowExecution binds to, enforcing the
// Creating -> Available -> Attached <-> Detached -> Deleted | Expired
// state machine and the single-writer invariant (only one execution
// may hold a Volume Attached at a time).
//
// Station has no direct analogue to a shared workspace volume; this
// package is grounded on the lifecycle-state-machine *pattern* used
// throughout the teacher (ApprovalInfo.Status, the executor package's
// StepStatus enum: a closed status set with guarded transitions between
// members, checked before every mutation) rather than on a specific
// file.
package volume

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/pkg/ids"
)

// volumeRoot is the base directory remote volume paths are joined
// under, mirroring the Workdir-join pattern the sandboxed runtime uses
// for its own per-session workspace paths.
const volumeRoot = "/var/lib/fractal/volumes"

// legalTransitions enumerates the only status pairs Manager permits,
// matching the spec's Creating -> Available -> Attached <-> Detached
// -> Deleted | Expired diagram. Expired is reachable from Available or
// Detached only — an Attached volume must be detached first.
var legalTransitions = map[workflow.VolumeStatus]map[workflow.VolumeStatus]bool{
	workflow.VolumeCreating:  {workflow.VolumeAvailable: true},
	workflow.VolumeAvailable: {workflow.VolumeAttached: true, workflow.VolumeExpired: true, workflow.VolumeDeleted: true},
	workflow.VolumeAttached:  {workflow.VolumeDetached: true},
	workflow.VolumeDetached:  {workflow.VolumeAttached: true, workflow.VolumeExpired: true, workflow.VolumeDeleted: true},
}

// Manager owns every Volume's state in the process. Persisting volumes
// beyond process lifetime is the out-of-scope persistence repository's
// job (spec.md §1); Manager only enforces the state machine and the
// single-writer invariant in memory.
type Manager struct {
	mu      sync.Mutex
	volumes map[string]*workflow.Volume
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{volumes: make(map[string]*workflow.Volume)}
}

// Create provisions a new Volume in the Creating state and immediately
// advances it to Available — provisioning itself (actually allocating
// remote storage) is the persistence repository's concern; Manager
// only tracks the resulting lifecycle.
func (m *Manager) Create(spec workflow.StorageSpec, owner workflow.VolumeOwnership) (*workflow.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ids.NewVolumeID()
	v := &workflow.Volume{
		ID:             id,
		Name:           spec.Name,
		RemotePath:     filepath.Join(volumeRoot, id),
		SizeLimitBytes: spec.SizeLimit,
		Status:         workflow.VolumeCreating,
		Ownership:      owner,
		CreatedAt:      timeNow(),
	}
	if spec.StorageClass.TTL > 0 {
		expires := timeNow().Add(spec.StorageClass.TTL)
		v.ExpiresAt = &expires
	}

	v.Status = workflow.VolumeAvailable
	m.volumes[v.ID] = v

	cp := *v
	return &cp, nil
}

// Attach binds an Available or Detached volume to ownerExecutionID,
// enforcing the single-writer invariant: a Volume already Attached
// cannot be attached again until it is Detached.
func (m *Manager) Attach(volumeID, ownerExecutionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume: unknown volume %q", volumeID)
	}

	if err := m.transition(v, workflow.VolumeAttached); err != nil {
		return err
	}

	v.Ownership = workflow.VolumeOwnership{Type: "workflow_execution", ID: ownerExecutionID}
	now := timeNow()
	v.AttachedAt = &now
	v.DetachedAt = nil
	return nil
}

// Detach releases a volume back to Detached, available for reattachment
// by a different execution.
func (m *Manager) Detach(volumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume: unknown volume %q", volumeID)
	}
	if err := m.transition(v, workflow.VolumeDetached); err != nil {
		return err
	}
	now := timeNow()
	v.DetachedAt = &now
	return nil
}

// Delete permanently removes a volume's record. Legal from Available
// or Detached only — an Attached volume must be detached first, same
// as the Expired transition.
func (m *Manager) Delete(volumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume: unknown volume %q", volumeID)
	}
	if err := m.transition(v, workflow.VolumeDeleted); err != nil {
		return err
	}
	return nil
}

// ExpireDue transitions every Available/Detached volume whose
// ExpiresAt has passed into Expired, returning the ids it expired.
// Called periodically by sweep.go's cron job.
func (m *Manager) ExpireDue(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, v := range m.volumes {
		if v.ExpiresAt == nil || v.ExpiresAt.After(now) {
			continue
		}
		if v.Status != workflow.VolumeAvailable && v.Status != workflow.VolumeDetached {
			continue
		}
		if err := m.transition(v, workflow.VolumeExpired); err == nil {
			expired = append(expired, id)
		}
	}
	return expired
}

// Get returns a snapshot of one volume's current state.
func (m *Manager) Get(volumeID string) (*workflow.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return nil, fmt.Errorf("volume: unknown volume %q", volumeID)
	}
	cp := *v
	return &cp, nil
}

func (m *Manager) transition(v *workflow.Volume, to workflow.VolumeStatus) error {
	allowed, ok := legalTransitions[v.Status]
	if !ok || !allowed[to] {
		return fmt.Errorf("volume: illegal transition %s -> %s for %q", v.Status, to, v.ID)
	}
	v.Status = to
	return nil
}

var timeNow = func() time.Time { return time.Now() }
