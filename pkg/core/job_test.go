package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mediagrid/dispatch/pkg/core"
)

func TestJobStatus_Terminal(t *testing.T) {
	terminal := []core.JobStatus{
		core.StatusFinished, core.StatusFailed, core.StatusDeleted, core.StatusCanceled,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s", s)
		assert.False(t, s.Active(), "status %s", s)
	}

	active := []core.JobStatus{
		core.StatusQueued, core.StatusDispatching, core.StatusRunning,
		core.StatusPaused, core.StatusRestart,
	}
	for _, s := range active {
		assert.False(t, s.Terminal(), "status %s", s)
		assert.True(t, s.Active(), "status %s", s)
	}

	assert.False(t, core.StatusInstantiated.Terminal())
	assert.False(t, core.StatusInstantiated.Active())
}

func TestJob_Root(t *testing.T) {
	root := &core.Job{ID: 1, ParentJobID: core.NoParent, RootJobID: core.NoParent}
	assert.True(t, root.SelfRoot())
	assert.Equal(t, int64(1), root.Root())

	child := &core.Job{ID: 2, ParentJobID: 1, RootJobID: 1}
	assert.False(t, child.SelfRoot())
	assert.Equal(t, int64(1), child.Root())
}

func TestJob_Signature(t *testing.T) {
	job := &core.Job{JobType: "encode", Operation: "track"}
	assert.Equal(t, "encode@track", job.Signature())
}

func TestIncidentTree_Concat(t *testing.T) {
	mk := func(id int64) *core.Incident { return &core.Incident{ID: id} }

	tree := &core.IncidentTree{
		Incidents: []*core.Incident{mk(1)},
		Children: []*core.IncidentTree{
			{
				Incidents: []*core.Incident{mk(2)},
				Children: []*core.IncidentTree{
					{Incidents: []*core.Incident{mk(3)}},
				},
			},
			{Incidents: []*core.Incident{mk(4)}},
		},
	}

	flat := tree.Concat()
	ids := make([]int64, len(flat))
	for i, inc := range flat {
		ids[i] = inc.ID
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	var empty *core.IncidentTree
	assert.Nil(t, empty.Concat())
}

func TestNodeLoad_Exceeds(t *testing.T) {
	assert.False(t, core.NodeLoad{RunningJobs: 1, MaxConcurrentJobs: 2}.Exceeds())
	assert.True(t, core.NodeLoad{RunningJobs: 2, MaxConcurrentJobs: 2}.Exceeds())
	assert.True(t, core.NodeLoad{RunningJobs: 3, MaxConcurrentJobs: 2}.Exceeds())
}
