package model

import (
	"fmt"
	"time"
)

var registeredModels = map[string]Interface{}

// Interface model interface
type Interface interface {
	TableName() string
	ShortTableName() string
}

// RegisterModel register model
func RegisterModel(models ...Interface) {
	for _, model := range models {
		if _, exist := registeredModels[model.TableName()]; exist {
			panic(fmt.Errorf("model table name %s conflict", model.TableName()))
		}
		registeredModels[model.TableName()] = model
	}
}

// GetRegisterModels will return the register models
func GetRegisterModels() map[string]Interface {
	return registeredModels
}

// SystemMeta is the bookkeeping sub-document every warm row carries.
type SystemMeta struct {
	CreatedAt     time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updatedAt"`
	RetentionDays int        `json:"retentionDays,omitempty" bson:"retentionDays,omitempty"`
	Tombstone     bool       `json:"tombstone,omitempty" bson:"tombstone,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
}

// BaseModel common model
type BaseModel struct {
	System SystemMeta `json:"_system" bson:"_system"`
}

// SetCreateTime set create time
func (m *BaseModel) SetCreateTime(time time.Time) {
	m.System.CreatedAt = time
}

// SetUpdateTime set update time
func (m *BaseModel) SetUpdateTime(time time.Time) {
	m.System.UpdatedAt = time
}
