package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/forgeq/forgeq-go/internal/database/models"
	"github.com/forgeq/forgeq-go/internal/queue"
)

// ScheduleStore persists schedule definitions so they can be re-registered
// with the in-memory scheduler after a restart.
type ScheduleStore struct {
	db *gorm.DB
}

// NewScheduleStore creates a store over an open database.
func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Save upserts the definition behind a schedule.
func (s *ScheduleStore) Save(queueName string, cfg queue.ScheduleConfig) error {
	def := models.ScheduleDefinition{
		Name:      cfg.Name,
		QueueName: queueName,
		Pattern:   cfg.Pattern,
		Timezone:  cfg.Timezone,
		RunLimit:  cfg.Limit,
		StartDate: cfg.StartDate,
		EndDate:   cfg.EndDate,
		Active:    true,
	}
	if def.Timezone == "" {
		def.Timezone = "UTC"
	}
	if cfg.Data != nil {
		def.Data = string(cfg.Data)
	}
	if cfg.JobOptions != nil {
		raw, err := json.Marshal(cfg.JobOptions)
		if err != nil {
			return fmt.Errorf("failed to encode job options: %w", err)
		}
		def.JobOptions = string(raw)
	}

	var existing models.ScheduleDefinition
	err := s.db.Where("name = ?", cfg.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&def).Error
	}
	if err != nil {
		return err
	}

	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	return s.db.Save(&def).Error
}

// Delete removes a definition by schedule name.
func (s *ScheduleStore) Delete(name string) error {
	return s.db.Where("name = ?", name).Delete(&models.ScheduleDefinition{}).Error
}

// List returns every stored definition for a queue, decoded back into
// schedule configs.
func (s *ScheduleStore) List(queueName string) ([]queue.ScheduleConfig, error) {
	var defs []models.ScheduleDefinition
	if err := s.db.Where("queue_name = ? AND active = ?", queueName, true).Find(&defs).Error; err != nil {
		return nil, err
	}

	configs := make([]queue.ScheduleConfig, 0, len(defs))
	for _, def := range defs {
		cfg := queue.ScheduleConfig{
			Name:      def.Name,
			Pattern:   def.Pattern,
			Timezone:  def.Timezone,
			Limit:     def.RunLimit,
			StartDate: def.StartDate,
			EndDate:   def.EndDate,
		}
		if def.Data != "" {
			cfg.Data = json.RawMessage(def.Data)
		}
		if def.JobOptions != "" {
			var opts queue.JobOptions
			if err := json.Unmarshal([]byte(def.JobOptions), &opts); err != nil {
				return nil, fmt.Errorf("schedule %q has malformed job options: %w", def.Name, err)
			}
			cfg.JobOptions = &opts
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
