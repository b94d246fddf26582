package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
	"github.com/mapflow/mapflow/pkg/vars"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func sampleState(t *testing.T) JobState {
	t.Helper()
	store := vars.NewStore()
	require.NoError(t, store.SetPlain(vars.WorkflowScope, "items", []interface{}{"a", "b", "c"}))
	return JobState{
		JobID:        "job-1",
		WorkflowName: "nightly",
		Phase:        models.MapPhaseRun,
		SetupStep:    2,
		Completed:    []string{"item-0"},
		DeadLettered: []string{"item-2"},
		Results: []models.ItemResult{
			{ItemID: "item-0", Success: true, Attempts: 1},
		},
		TotalItems: 3,
		Vars:       store,
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := storage.NewMockStore()
	m := NewManager(store, testLogger{})
	state := sampleState(t)

	require.NoError(t, m.Save(state))

	loaded, err := m.Load("job-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.MapPhaseRun, loaded.Phase)
	assert.Equal(t, 2, loaded.SetupStep)
	assert.Equal(t, []string{"item-0"}, loaded.Completed)
	assert.Equal(t, []string{"item-2"}, loaded.DeadLettered)
	assert.Equal(t, 3, loaded.TotalItems)
	assert.Equal(t, 1, loaded.Version)

	restored := vars.NewStore()
	require.NoError(t, restored.RestoreWorkflow(loaded.Variables))
	got, err := restored.Get("items[0]")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestVersionsIncrease(t *testing.T) {
	store := storage.NewMockStore()
	m := NewManager(store, testLogger{})
	state := sampleState(t)

	c1, err := m.Snapshot(state)
	require.NoError(t, err)
	c2, err := m.Snapshot(state)
	require.NoError(t, err)
	assert.Greater(t, c2.Version, c1.Version)
}

func TestLatestSnapshotWins(t *testing.T) {
	store := storage.NewMockStore()
	m := NewManager(store, testLogger{})
	state := sampleState(t)

	require.NoError(t, m.Save(state))
	state.Completed = append(state.Completed, "item-1")
	require.NoError(t, m.Save(state))

	loaded, err := m.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"item-0", "item-1"}, loaded.Completed)
	assert.Equal(t, 2, loaded.Version)
}

func TestLoadMissingIsNil(t *testing.T) {
	m := NewManager(storage.NewMockStore(), testLogger{})
	loaded, err := m.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestVersionResumesAboveLoaded(t *testing.T) {
	store := storage.NewMockStore()
	first := NewManager(store, testLogger{})
	state := sampleState(t)
	require.NoError(t, first.Save(state))
	require.NoError(t, first.Save(state))

	// a fresh manager, as after a process restart
	second := NewManager(store, testLogger{})
	loaded, err := second.Load("job-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	c, err := second.Snapshot(state)
	require.NoError(t, err)
	assert.Greater(t, c.Version, loaded.Version)
}

func TestSnapshotCopiesState(t *testing.T) {
	m := NewManager(storage.NewMockStore(), testLogger{})
	state := sampleState(t)

	c, err := m.Snapshot(state)
	require.NoError(t, err)

	state.Completed[0] = "mutated"
	assert.Equal(t, "item-0", c.Completed[0], "snapshot must not alias live state")
}
