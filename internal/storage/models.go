package storage

import (
	"time"
)

// Alert marks one (symbol, candle open time) pair as already notified.
// The composite primary key is the idempotency guarantee: concurrent
// inserts for the same candle converge to a single row, and a row written
// before a crash still suppresses the alert after restart. Rows are never
// updated or deleted.
type Alert struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	OpenTime  int64  `gorm:"primaryKey;autoIncrement:false"` // candle open, epoch millis
	MovePct   string
	Direction string
	Interval  string
	CreatedAt time.Time
}

// TableName keeps the table name the original deployment used.
func (Alert) TableName() string {
	return "alerts"
}
