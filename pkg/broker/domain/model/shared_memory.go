package model

import "fmt"

func init() {
	RegisterModel(&SharedMemory{})
}

// SharedMemory is the warm mirror of a shared-memory value. Value holds
// the JSON text; a tombstoned row records a deletion that must shadow
// any older warm copy.
type SharedMemory struct {
	Key       string `json:"key" bson:"key"`
	Namespace string `json:"namespace" bson:"namespace"`
	Tenant    string `json:"tenant" bson:"tenant"`
	Value     string `json:"value" bson:"value"`
	BaseModel `bson:",inline"`
}

func (s *SharedMemory) PrimaryKey() string {
	return fmt.Sprintf("%s:%s:%s", s.Tenant, s.Namespace, s.Key)
}

func (s *SharedMemory) TableName() string {
	return "shared_memory"
}

func (s *SharedMemory) ShortTableName() string {
	return "sm"
}

func (s *SharedMemory) UniqueIndex() []string {
	return []string{"key", "namespace", "tenant"}
}

func (s *SharedMemory) Index() map[string]interface{} {
	index := make(map[string]interface{})
	if s.Key != "" {
		index["key"] = s.Key
	}
	if s.Namespace != "" {
		index["namespace"] = s.Namespace
	}
	if s.Tenant != "" {
		index["tenant"] = s.Tenant
	}
	return index
}
