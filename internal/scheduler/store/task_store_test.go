package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"task-scheduler-service/internal/scheduler/db"
)

func TestTaskCreateValidation(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	cases := []struct {
		name  string
		props TaskProps
	}{
		{"missing name", TaskProps{GroupKey: "g", CreatedToStartedTimeoutSecs: 1, StartedToCompletedTimeoutSecs: 1, HeartbeatTimeoutSecs: 1}},
		{"missing group key", TaskProps{Name: "t", CreatedToStartedTimeoutSecs: 1, StartedToCompletedTimeoutSecs: 1, HeartbeatTimeoutSecs: 1}},
		{"zero timeout", TaskProps{Name: "t", GroupKey: "g", StartedToCompletedTimeoutSecs: 1, HeartbeatTimeoutSecs: 1}},
		{"retry count over max", func() TaskProps {
			p := testTaskProps("t", "g")
			p.RetryCount = 2
			p.RetryMax = 1
			return p
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tasks.Create(ctx, tc.props)
			assert.ErrorIs(t, err, db.ErrInvalidProps)
		})
	}
}

func TestTaskCreateDefaults(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	task, err := tasks.Create(ctx, testTaskProps("sync", "grp"))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, db.TaskStateCreated, task.State)
	assert.False(t, task.Terminated)
	assert.False(t, task.StartsAfter.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), task.StartsAfter, 5*time.Second)
}

func TestTaskGetNotFound(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)

	_, err := tasks.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTaskSearchFilters(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	owner := "conn-1"
	p1 := testTaskProps("a", "grp:one")
	p1.OwnerKey = &owner
	t1, err := tasks.Create(ctx, p1)
	require.NoError(t, err)
	t2, err := tasks.Create(ctx, testTaskProps("b", "grp:two"))
	require.NoError(t, err)

	byGroup, err := tasks.Search(ctx, TaskFilter{GroupKey: "grp:one"})
	require.NoError(t, err)
	require.Len(t, byGroup, 1)
	assert.Equal(t, t1.ID, byGroup[0].ID)

	byOwner, err := tasks.Search(ctx, TaskFilter{OwnerKey: owner})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, t1.ID, byOwner[0].ID)

	byState, err := tasks.Search(ctx, TaskFilter{States: []db.TaskState{db.TaskStateCreated}})
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	byIDs, err := tasks.Search(ctx, TaskFilter{IDs: []string{t2.ID}})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	assert.Equal(t, t2.ID, byIDs[0].ID)
}

func TestDequeueClaimsInCreationOrder(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	first, err := tasks.Create(ctx, testTaskProps("first", "grp"))
	require.NoError(t, err)
	second, err := tasks.Create(ctx, testTaskProps("second", "grp"))
	require.NoError(t, err)

	claimed, err := tasks.Dequeue(ctx, "grp", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, db.TaskStateStarted, claimed[0].State)
	assert.False(t, claimed[0].LastHeartbeatAt.IsZero())

	claimed, err = tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)

	// Nothing left.
	claimed, err = tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestDequeueHonorsGroupConcurrency(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		props := testTaskProps("t", "grp")
		props.GroupMaxConcurrency = 2
		_, err := tasks.Create(ctx, props)
		require.NoError(t, err)
	}

	claimed, err := tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	// Ceiling reached; nothing more until a slot frees up.
	claimed, err = tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = tasks.TransitionState(ctx, claimed0ID(t, gdb), db.TaskStateSucceeded, nil)
	require.NoError(t, err)

	claimed, err = tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

// Needs a real MySQL server: sqlite has a single writer, so two claimers can
// never observe each other mid-transaction there. On MySQL the ceiling check
// must be a locking read; a snapshot COUNT would let both claimers see the
// same count and jointly overshoot the group ceiling.
func TestDequeueCeilingWithConcurrentClaimers(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TEST_MYSQL_DSN to run against a MySQL server")
	}
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.Task{}, &db.Schedule{}))

	tasks := NewTaskStore(gdb)
	ctx := context.Background()
	grp := "ceiling-" + db.NewID()

	props := testTaskProps("t", grp)
	props.GroupMaxConcurrency = 2
	_, err = tasks.Create(ctx, props)
	require.NoError(t, err)
	claimed, err := tasks.Dequeue(ctx, grp, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	for i := 0; i < 4; i++ {
		_, err = tasks.Create(ctx, props)
		require.NoError(t, err)
	}

	// One slot left. Two transactions race for it; a deadlock rollback on
	// the loser is acceptable, a breached ceiling is not.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gdb.Transaction(func(tx *gorm.DB) error {
				_, err := tasks.WithTx(tx).Dequeue(ctx, grp, 10)
				return err
			})
		}()
	}
	wg.Wait()

	var started int64
	require.NoError(t, gdb.Model(&db.Task{}).
		Where("group_key = ? AND state = ?", grp, db.TaskStateStarted).
		Count(&started).Error)
	assert.LessOrEqual(t, started, int64(2))
	assert.GreaterOrEqual(t, started, int64(1))
}

// claimed0ID returns the id of one STARTED task.
func claimed0ID(t *testing.T, gdb *gorm.DB) string {
	t.Helper()
	var task db.Task
	require.NoError(t, gdb.Where("state = ?", db.TaskStateStarted).Order("id").First(&task).Error)
	return task.ID
}

func TestDequeueGroupKeyPattern(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	_, err := tasks.Create(ctx, testTaskProps("a", "sync:env-1"))
	require.NoError(t, err)
	_, err = tasks.Create(ctx, testTaskProps("b", "sync:env-2"))
	require.NoError(t, err)
	_, err = tasks.Create(ctx, testTaskProps("c", "webhook:env-1"))
	require.NoError(t, err)

	claimed, err := tasks.Dequeue(ctx, "sync:*", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, task := range claimed {
		assert.Contains(t, task.GroupKey, "sync:")
	}
}

func TestDequeueGroupKeyPatternEscapesWildcards(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	// _ and % in a group key are literal characters, not SQL wildcards.
	_, err := tasks.Create(ctx, testTaskProps("a", "sync_env-1"))
	require.NoError(t, err)
	_, err = tasks.Create(ctx, testTaskProps("b", "syncXenv-1"))
	require.NoError(t, err)

	claimed, err := tasks.Dequeue(ctx, "sync_*", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "sync_env-1", claimed[0].GroupKey)

	_, err = tasks.Create(ctx, testTaskProps("c", "100%:env-1"))
	require.NoError(t, err)
	_, err = tasks.Create(ctx, testTaskProps("d", "100x:env-1"))
	require.NoError(t, err)

	claimed, err = tasks.Dequeue(ctx, "100%:*", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "100%:env-1", claimed[0].GroupKey)
}

func TestDequeueSkipsFutureStartsAfter(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	props := testTaskProps("later", "grp")
	props.StartsAfter = time.Now().UTC().Add(time.Hour)
	_, err := tasks.Create(ctx, props)
	require.NoError(t, err)

	claimed, err := tasks.Dequeue(ctx, "grp", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestHeartbeatOnlyWhileStarted(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	task, err := tasks.Create(ctx, testTaskProps("t", "grp"))
	require.NoError(t, err)

	_, err = tasks.Heartbeat(ctx, task.ID)
	assert.ErrorIs(t, err, db.ErrTaskNotRunning)

	claimed, err := tasks.Dequeue(ctx, "grp", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	backdate(t, gdb, task.ID, map[string]interface{}{"last_heartbeat_at": hoursAgo(1)})
	beaten, err := tasks.Heartbeat(ctx, task.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), beaten.LastHeartbeatAt, 5*time.Second)

	_, err = tasks.Heartbeat(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTransitionStateTerminalClosure(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	task, err := tasks.Create(ctx, testTaskProps("t", "grp"))
	require.NoError(t, err)
	claimed, err := tasks.Dequeue(ctx, "grp", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	done, err := tasks.TransitionState(ctx, task.ID, db.TaskStateSucceeded, db.JSON(`{"rows":12}`))
	require.NoError(t, err)
	assert.Equal(t, db.TaskStateSucceeded, done.State)
	assert.True(t, done.Terminated)
	assert.Equal(t, db.JSON(`{"rows":12}`), done.Output)

	// Terminal states accept no further transitions.
	for _, to := range []db.TaskState{db.TaskStateStarted, db.TaskStateFailed, db.TaskStateCancelled, db.TaskStateExpired} {
		_, err := tasks.TransitionState(ctx, task.ID, to, nil)
		var transition *db.TransitionError
		assert.ErrorAs(t, err, &transition, "SUCCEEDED -> %s", to)
	}
}

func TestExpiryCandidates(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	stale, err := tasks.Create(ctx, testTaskProps("stale", "grp"))
	require.NoError(t, err)
	backdate(t, gdb, stale.ID, map[string]interface{}{"starts_after": hoursAgo(1)})

	fresh, err := tasks.Create(ctx, testTaskProps("fresh", "grp"))
	require.NoError(t, err)

	silent, err := tasks.Create(ctx, testTaskProps("silent", "grp2"))
	require.NoError(t, err)
	_, err = tasks.Dequeue(ctx, "grp2", 1)
	require.NoError(t, err)
	backdate(t, gdb, silent.ID, map[string]interface{}{"last_heartbeat_at": hoursAgo(1)})

	overdue, err := tasks.Create(ctx, testTaskProps("overdue", "grp3"))
	require.NoError(t, err)
	_, err = tasks.Dequeue(ctx, "grp3", 1)
	require.NoError(t, err)
	backdate(t, gdb, overdue.ID, map[string]interface{}{"last_state_transition_at": hoursAgo(1)})

	candidates, err := tasks.ExpiryCandidates(ctx, time.Now().UTC(), 0)
	require.NoError(t, err)

	reasons := map[string]ExpiryReason{}
	for _, c := range candidates {
		reasons[c.Task.ID] = c.Reason
	}
	assert.Equal(t, ReasonCreatedToStartedTimeout, reasons[stale.ID])
	assert.Equal(t, ReasonHeartbeatTimeout, reasons[silent.ID])
	assert.Equal(t, ReasonStartedToCompletedTimeout, reasons[overdue.ID])
	assert.NotContains(t, reasons, fresh.ID)
}

func TestCancelRunningForSchedule(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	ctx := context.Background()

	scheduleID := db.NewID()
	props := testTaskProps("scheduled", "grp")
	props.ScheduleID = &scheduleID
	created, err := tasks.Create(ctx, props)
	require.NoError(t, err)

	unrelated, err := tasks.Create(ctx, testTaskProps("other", "grp"))
	require.NoError(t, err)

	cancelled, err := tasks.CancelRunningForSchedule(ctx, scheduleID, "schedule paused")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, created.ID, cancelled[0].ID)
	assert.Equal(t, db.TaskStateCancelled, cancelled[0].State)
	assert.Equal(t, ReasonOutput("schedule paused"), cancelled[0].Output)

	untouched, err := tasks.Get(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStateCreated, untouched.State)
}

func TestPurgeTerminalKeepsReferencedTasks(t *testing.T) {
	gdb := setupTestDB(t)
	tasks := NewTaskStore(gdb)
	schedules := NewScheduleStore(gdb)
	ctx := context.Background()

	old, err := tasks.Create(ctx, testTaskProps("old", "grp"))
	require.NoError(t, err)
	_, err = tasks.TransitionState(ctx, old.ID, db.TaskStateCancelled, nil)
	require.NoError(t, err)
	backdate(t, gdb, old.ID, map[string]interface{}{"last_state_transition_at": hoursAgo(48)})

	kept, err := tasks.Create(ctx, testTaskProps("kept", "grp"))
	require.NoError(t, err)
	_, err = tasks.TransitionState(ctx, kept.ID, db.TaskStateCancelled, nil)
	require.NoError(t, err)
	backdate(t, gdb, kept.ID, map[string]interface{}{"last_state_transition_at": hoursAgo(48)})

	schedule, err := schedules.Create(ctx, testScheduleProps("s", "grp"))
	require.NoError(t, err)
	_, err = schedules.Update(ctx, schedule.ID, ScheduleUpdate{LastScheduledTaskID: &kept.ID})
	require.NoError(t, err)

	recent, err := tasks.Create(ctx, testTaskProps("recent", "grp"))
	require.NoError(t, err)
	_, err = tasks.TransitionState(ctx, recent.ID, db.TaskStateCancelled, nil)
	require.NoError(t, err)

	purged, err := tasks.PurgeTerminal(ctx, hoursAgo(24), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = tasks.Get(ctx, old.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = tasks.Get(ctx, kept.ID)
	assert.NoError(t, err)
	_, err = tasks.Get(ctx, recent.ID)
	assert.NoError(t, err)
}
