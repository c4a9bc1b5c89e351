package store

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"task-scheduler-service/internal/scheduler/db"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store_test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := gdb.AutoMigrate(&db.Task{}, &db.Schedule{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return gdb
}

func testTaskProps(name, groupKey string) TaskProps {
	return TaskProps{
		Name:                          name,
		GroupKey:                      groupKey,
		CreatedToStartedTimeoutSecs:   30,
		StartedToCompletedTimeoutSecs: 60,
		HeartbeatTimeoutSecs:          15,
	}
}

func testScheduleProps(name, groupKey string) ScheduleProps {
	return ScheduleProps{
		Name:                          name,
		GroupKey:                      groupKey,
		FrequencyMs:                   60_000,
		CreatedToStartedTimeoutSecs:   30,
		StartedToCompletedTimeoutSecs: 60,
		HeartbeatTimeoutSecs:          15,
	}
}

// backdate rewrites timing columns directly; tests use it instead of sleeping.
func backdate(t *testing.T, gdb *gorm.DB, taskID string, values map[string]interface{}) {
	t.Helper()
	res := gdb.Model(&db.Task{}).Where("id = ?", taskID).Updates(values)
	if res.Error != nil {
		t.Fatalf("failed to backdate task %s: %v", taskID, res.Error)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("backdate matched %d rows for task %s", res.RowsAffected, taskID)
	}
}

func hoursAgo(h int) time.Time {
	return time.Now().UTC().Add(-time.Duration(h) * time.Hour)
}
