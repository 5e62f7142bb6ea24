package model

import (
	"fmt"
	"time"
)

func init() {
	RegisterModel(&DeadLetter{})
}

// DeadLetter is the warm record of a message the broker gave up on.
// The same original id may dead-letter more than once across
// subscriptions, so the primary key includes the failure instant.
type DeadLetter struct {
	Topic      string            `json:"topic" bson:"topic"`
	MsgID      string            `json:"msgId" bson:"msgId"`
	Tenant     string            `json:"tenant" bson:"tenant"`
	Reason     string            `json:"reason" bson:"reason"`
	Headers    map[string]string `json:"headers" bson:"headers"`
	Payload    string            `json:"payload" bson:"payload"`
	FailedAt   time.Time         `json:"failedAt" bson:"failedAt"`
	Deliveries int64             `json:"deliveries" bson:"deliveries"`
	BaseModel  `bson:",inline"`
}

func (d *DeadLetter) PrimaryKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", d.Tenant, d.Topic, d.MsgID, d.FailedAt.UnixNano())
}

func (d *DeadLetter) TableName() string {
	return "dead_letters"
}

func (d *DeadLetter) ShortTableName() string {
	return "dlq"
}

func (d *DeadLetter) Index() map[string]interface{} {
	index := make(map[string]interface{})
	if d.Topic != "" {
		index["topic"] = d.Topic
	}
	if d.MsgID != "" {
		index["msgId"] = d.MsgID
	}
	if d.Tenant != "" {
		index["tenant"] = d.Tenant
	}
	return index
}
