package model

import (
	"fmt"
	"time"
)

func init() {
	RegisterModel(&Message{})
}

// Message is the optional warm copy of a published message.
type Message struct {
	Topic       string            `json:"topic" bson:"topic"`
	MsgID       string            `json:"msgId" bson:"msgId"`
	Tenant      string            `json:"tenant" bson:"tenant"`
	Headers     map[string]string `json:"headers" bson:"headers"`
	Payload     string            `json:"payload" bson:"payload"`
	FirstSeenAt time.Time         `json:"firstSeenAt" bson:"firstSeenAt"`
	Size        int64             `json:"size" bson:"size"`
	BaseModel   `bson:",inline"`
}

func (m *Message) PrimaryKey() string {
	return fmt.Sprintf("%s:%s:%s", m.Tenant, m.Topic, m.MsgID)
}

func (m *Message) TableName() string {
	return "messages"
}

func (m *Message) ShortTableName() string {
	return "msg"
}

func (m *Message) UniqueIndex() []string {
	return []string{"topic", "msgId", "tenant"}
}

func (m *Message) Index() map[string]interface{} {
	index := make(map[string]interface{})
	if m.Topic != "" {
		index["topic"] = m.Topic
	}
	if m.MsgID != "" {
		index["msgId"] = m.MsgID
	}
	if m.Tenant != "" {
		index["tenant"] = m.Tenant
	}
	return index
}
