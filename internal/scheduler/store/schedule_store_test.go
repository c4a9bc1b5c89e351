package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-scheduler-service/internal/scheduler/db"
)

func TestScheduleCreateValidation(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	cases := []struct {
		name  string
		props ScheduleProps
	}{
		{"missing name", func() ScheduleProps {
			p := testScheduleProps("", "g")
			return p
		}()},
		{"missing group key", testScheduleProps("s", "")},
		{"zero frequency", func() ScheduleProps {
			p := testScheduleProps("s", "g")
			p.FrequencyMs = 0
			return p
		}()},
		{"zero timeout", func() ScheduleProps {
			p := testScheduleProps("s", "g")
			p.HeartbeatTimeoutSecs = 0
			return p
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := schedules.Create(ctx, tc.props)
			assert.ErrorIs(t, err, db.ErrInvalidProps)
		})
	}
}

func TestScheduleNamesAreUnique(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	created, err := schedules.Create(ctx, testScheduleProps("nightly", "grp"))
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleStateStarted, created.State)

	_, err = schedules.Create(ctx, testScheduleProps("nightly", "grp"))
	assert.Error(t, err)
}

func TestScheduleGetByName(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	created, err := schedules.Create(ctx, testScheduleProps("hourly", "grp"))
	require.NoError(t, err)

	fetched, err := schedules.GetByName(ctx, "hourly", false)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	_, err = schedules.GetByName(ctx, "missing", false)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestScheduleUpdate(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	created, err := schedules.Create(ctx, testScheduleProps("s", "grp"))
	require.NoError(t, err)

	freq := int64(5_000)
	taskID := db.NewID()
	updated, err := schedules.Update(ctx, created.ID, ScheduleUpdate{
		FrequencyMs:         &freq,
		LastScheduledTaskID: &taskID,
	})
	require.NoError(t, err)
	assert.Equal(t, freq, updated.FrequencyMs)
	require.NotNil(t, updated.LastScheduledTaskID)
	assert.Equal(t, taskID, *updated.LastScheduledTaskID)

	_, err = schedules.Update(ctx, "missing", ScheduleUpdate{FrequencyMs: &freq})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestScheduleTransitions(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	created, err := schedules.Create(ctx, testScheduleProps("s", "grp"))
	require.NoError(t, err)

	paused, err := schedules.TransitionState(ctx, created.ID, db.ScheduleStatePaused)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleStatePaused, paused.State)

	_, err = schedules.TransitionState(ctx, created.ID, db.ScheduleStatePaused)
	assert.ErrorIs(t, err, db.ErrAlreadyInState)

	resumed, err := schedules.TransitionState(ctx, created.ID, db.ScheduleStateStarted)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleStateStarted, resumed.State)

	deleted, err := schedules.TransitionState(ctx, created.ID, db.ScheduleStateDeleted)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleStateDeleted, deleted.State)
	require.NotNil(t, deleted.DeletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *deleted.DeletedAt, 5*time.Second)

	// DELETED is terminal.
	_, err = schedules.TransitionState(ctx, created.ID, db.ScheduleStateStarted)
	var transition *db.TransitionError
	assert.ErrorAs(t, err, &transition)
}

func TestSchedulePurgeDeleted(t *testing.T) {
	gdb := setupTestDB(t)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	old, err := schedules.Create(ctx, testScheduleProps("old", "grp"))
	require.NoError(t, err)
	_, err = schedules.TransitionState(ctx, old.ID, db.ScheduleStateDeleted)
	require.NoError(t, err)
	res := gdb.Model(&db.Schedule{}).Where("id = ?", old.ID).Update("deleted_at", hoursAgo(48))
	require.NoError(t, res.Error)

	recent, err := schedules.Create(ctx, testScheduleProps("recent", "grp"))
	require.NoError(t, err)
	_, err = schedules.TransitionState(ctx, recent.ID, db.ScheduleStateDeleted)
	require.NoError(t, err)

	active, err := schedules.Create(ctx, testScheduleProps("active", "grp"))
	require.NoError(t, err)

	purged, err := schedules.PurgeDeleted(ctx, hoursAgo(24), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = schedules.Get(ctx, old.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = schedules.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = schedules.Get(ctx, active.ID)
	assert.NoError(t, err)
}
