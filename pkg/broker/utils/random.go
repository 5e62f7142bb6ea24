package utils

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// RandStringByNumLowercase 生成指定长度的随机字符串，包含小写字母和数字
func RandStringByNumLowercase(n int) string {
	const letterBytes = "abcdefghijklmnopqrstuvwxyz0123456789"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[r.Intn(len(letterBytes))]
	}
	return string(b)
}

// NewConsumerID synthesises a consumer identity when the caller does not
// supply one.
func NewConsumerID() string {
	return fmt.Sprintf("consumer-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}
