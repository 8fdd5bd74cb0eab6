package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	commands []RolloutCommand
	err      error
}

func (d *recordingDispatcher) PublishRolloutCommand(_ context.Context, cmd RolloutCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.commands = append(d.commands, cmd)
	return nil
}

func newRollouts(store *fakeRepository, dispatcher RolloutDispatcher) *RolloutService {
	return NewRolloutService(store, dispatcher, testLogger())
}

func createRollout(t *testing.T, svc *RolloutService, targets []uint) *Rollout {
	t.Helper()
	rollout, err := svc.Create(context.Background(), CreateRolloutRequest{
		Name:            "summer menu",
		AccountID:       1,
		RolloutType:     RolloutTypeMenuActivation,
		TargetLocations: targets,
	})
	require.NoError(t, err)
	return rollout
}

func TestCreateRolloutCreatesExecutions(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1, 2, 3})
	assert.Equal(t, RolloutStatusPending, rollout.Status)

	executions, err := svc.Executions(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	require.Len(t, executions, 3)
	for _, e := range executions {
		assert.Equal(t, ExecutionStatusPending, e.Status)
	}
}

func TestCreateRolloutRejectsZeroTargets(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	_, err := svc.Create(context.Background(), CreateRolloutRequest{
		Name:        "empty",
		AccountID:   1,
		RolloutType: RolloutTypeConfigUpdate,
	})
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_002", err.(BusinessError).Code)
}

func TestCreateRolloutRejectsUnknownType(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	_, err := svc.Create(context.Background(), CreateRolloutRequest{
		Name:            "bad",
		AccountID:       1,
		RolloutType:     "firmware_flash",
		TargetLocations: []uint{1},
	})
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_001", err.(BusinessError).Code)
}

func TestCreateRolloutDeduplicatesTargets(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{5, 5, 6, 5})
	assert.Equal(t, LocationIDs{5, 6}, rollout.TargetLocations)

	executions, err := svc.Executions(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Len(t, executions, 2)
}

func TestCreateScheduledRollout(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	at := time.Now().Add(time.Hour)
	rollout, err := svc.Create(context.Background(), CreateRolloutRequest{
		Name:            "tonight",
		AccountID:       1,
		RolloutType:     RolloutTypeFeatureToggle,
		TargetLocations: []uint{1},
		ScheduledAt:     &at,
	})
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusScheduled, rollout.Status)
}

func TestStartRolloutDispatchesCommands(t *testing.T) {
	store := newFakeRepository()
	dispatcher := &recordingDispatcher{}
	svc := newRollouts(store, dispatcher)

	rollout := createRollout(t, svc, []uint{1, 2})
	started, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.Len(t, dispatcher.commands, 2)
	assert.Equal(t, rollout.RolloutID, dispatcher.commands[0].RolloutID)
}

func TestStartRolloutTwiceFails(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1})
	_, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), rollout.RolloutID)
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_003", err.(BusinessError).Code)
}

// A failed dispatch leaves the rollout in progress and the executions
// pending; agents also pull work, so nothing is lost.
func TestStartRolloutSurvivesDispatchFailure(t *testing.T) {
	store := newFakeRepository()
	dispatcher := &recordingDispatcher{err: errStoreDown}
	svc := newRollouts(store, dispatcher)

	rollout := createRollout(t, svc, []uint{1})
	started, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusInProgress, started.Status)
}

func TestRolloutAggregationAllCompleted(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1, 2})
	_, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)

	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 1, ExecutionStatusCompleted, "")
	require.NoError(t, err)

	// One execution still pending: the rollout stays in progress.
	current, err := svc.Get(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusInProgress, current.Status)

	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 2, ExecutionStatusCompleted, "")
	require.NoError(t, err)

	current, err = svc.Get(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusCompleted, current.Status)
	assert.NotNil(t, current.CompletedAt)
}

func TestRolloutAggregationAnyFailed(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1, 2, 3})
	_, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)

	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 1, ExecutionStatusCompleted, "")
	require.NoError(t, err)
	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 2, ExecutionStatusFailed, "agent timeout")
	require.NoError(t, err)
	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 3, ExecutionStatusCompleted, "")
	require.NoError(t, err)

	current, err := svc.Get(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusFailed, current.Status)

	execution, err := store.GetRolloutExecution(context.Background(), rollout.RolloutID, 2)
	require.NoError(t, err)
	assert.Equal(t, "agent timeout", execution.ErrorMessage)
	assert.NotNil(t, execution.CompletedAt)
}

func TestUpdateExecutionStatusValidation(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1})
	_, err := svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 1, "exploded", "")
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_004", err.(BusinessError).Code)

	_, err = svc.UpdateExecutionStatus(context.Background(), rollout.RolloutID, 42, ExecutionStatusCompleted, "")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestCancelRollout(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1})
	canceled, err := svc.Cancel(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusRolledBack, canceled.Status)

	// A started rollout cannot be canceled, only rolled back.
	other := createRollout(t, svc, []uint{1})
	_, err = svc.Start(context.Background(), other.RolloutID)
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), other.RolloutID)
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_005", err.(BusinessError).Code)
}

func TestRollbackCreatesInverseRollout(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1, 2})
	_, err := svc.Start(context.Background(), rollout.RolloutID)
	require.NoError(t, err)

	inverse, err := svc.Rollback(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.NotEqual(t, rollout.RolloutID, inverse.RolloutID)
	assert.Equal(t, "rollback: summer menu", inverse.Name)
	assert.Equal(t, rollout.RolloutID, *inverse.RollbackOfID)
	assert.Equal(t, rollout.TargetLocations, inverse.TargetLocations)
	assert.Equal(t, RolloutStatusPending, inverse.Status)

	original, err := svc.Get(context.Background(), rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusRolledBack, original.Status)

	executions, err := svc.Executions(context.Background(), inverse.RolloutID)
	require.NoError(t, err)
	assert.Len(t, executions, 2)
}

func TestRollbackRequiresStartedRollout(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	rollout := createRollout(t, svc, []uint{1})
	_, err := svc.Rollback(context.Background(), rollout.RolloutID)
	require.Error(t, err)
	assert.Equal(t, "ROLLOUT_006", err.(BusinessError).Code)
}

func TestDueScheduledRollouts(t *testing.T) {
	store := newFakeRepository()
	svc := newRollouts(store, nil)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due, err := svc.Create(context.Background(), CreateRolloutRequest{
		Name: "due", AccountID: 1, RolloutType: RolloutTypeConfigUpdate,
		TargetLocations: []uint{1}, ScheduledAt: &past,
	})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), CreateRolloutRequest{
		Name: "later", AccountID: 1, RolloutType: RolloutTypeConfigUpdate,
		TargetLocations: []uint{1}, ScheduledAt: &future,
	})
	require.NoError(t, err)

	found, err := svc.DueScheduledRollouts(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, due.RolloutID, found[0].RolloutID)

	// The sweep path starts due scheduled rollouts through Start.
	started, err := svc.Start(context.Background(), due.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, RolloutStatusInProgress, started.Status)
}
