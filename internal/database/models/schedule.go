package models

import "time"

// ScheduleDefinition is the persisted form of a queue schedule. Only the
// definition is stored; next-run times are recomputed from the pattern when
// the service re-materialises schedules on startup.
type ScheduleDefinition struct {
	BaseModel
	Name       string     `gorm:"uniqueIndex;not null" json:"name" validate:"required,min=1,max=255"`
	QueueName  string     `gorm:"index;not null" json:"queue_name"`
	Pattern    string     `gorm:"not null" json:"pattern" validate:"required"`
	Timezone   string     `gorm:"default:'UTC'" json:"timezone"`
	Data       string     `gorm:"type:text" json:"data,omitempty"`
	JobOptions string     `gorm:"type:text" json:"job_options,omitempty"`
	RunLimit   int        `json:"run_limit,omitempty"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Active     bool       `gorm:"default:true" json:"active"`
}
