package infrastructure

import "time"

// LogicScriptModel 对应数据库中的 logic_script 表。
// 删除是硬删除，所以不使用 gorm.Model 自带的 DeletedAt。
type LogicScriptModel struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	DistributorID string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_group_order,priority:1"`
	TriggerPoint  string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_group_order,priority:2"`
	Description   string    `gorm:"type:varchar(512)"`
	ScriptContent string    `gorm:"type:text;not null"`
	SequenceOrder int       `gorm:"not null;uniqueIndex:uk_group_order,priority:3"`
	Active        bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName 指定 GORM 应该使用的表名
func (LogicScriptModel) TableName() string {
	return "logic_script"
}
