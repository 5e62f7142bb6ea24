package model

import "fmt"

func init() {
	RegisterModel(&Topic{})
}

// Topic is the warm record of a topic's existence and shard layout.
type Topic struct {
	Topic     string `json:"topic" bson:"topic"`
	Tenant    string `json:"tenant" bson:"tenant"`
	Shards    int    `json:"shards" bson:"shards"`
	BaseModel `bson:",inline"`
}

func (t *Topic) PrimaryKey() string {
	return fmt.Sprintf("%s:%s", t.Tenant, t.Topic)
}

func (t *Topic) TableName() string {
	return "topics"
}

func (t *Topic) ShortTableName() string {
	return "topic"
}

func (t *Topic) UniqueIndex() []string {
	return []string{"topic", "tenant"}
}

func (t *Topic) Index() map[string]interface{} {
	index := make(map[string]interface{})
	if t.Topic != "" {
		index["topic"] = t.Topic
	}
	if t.Tenant != "" {
		index["tenant"] = t.Tenant
	}
	return index
}
