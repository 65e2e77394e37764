package database

import (
	"time"

	"gorm.io/gorm"
)

func GetScheduleByID(id uint) (*Schedule, error) {
	var s Schedule
	if err := DB.Preload("Commands", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListEnabledSchedules() ([]Schedule, error) {
	var schedules []Schedule
	if err := DB.Preload("Commands", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

// RecordExecution persists a run summary and its per-command records.
func RecordExecution(exec *ScheduleExecution, commands []CommandExecution) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return err
		}
		for i := range commands {
			commands[i].ExecutionID = exec.ID
			if err := tx.Create(&commands[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateScheduleRun records the outcome of one run on the schedule row.
func UpdateScheduleRun(id uint, status string, ranAt time.Time, nextRun *time.Time, markCompleted bool) error {
	updates := map[string]interface{}{
		"last_run_at":     ranAt,
		"last_run_status": status,
		"next_run_at":     nextRun,
	}
	if status == "success" {
		updates["consecutive_failures"] = 0
	} else {
		updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	if markCompleted {
		updates["completed"] = true
	}
	return DB.Model(&Schedule{}).Where("id = ?", id).Updates(updates).Error
}
