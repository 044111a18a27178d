package store

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/protocol"
)

// ExchangeRecord is one finished exchange. It is stored in history and
// published as the exchange event.
type ExchangeRecord struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	StationID  string    `json:"station_id" gorm:"column:station_id;type:varchar(32);not null;index"`
	CommandID  int       `json:"command_id" gorm:"not null"`
	Opcode     int       `json:"opcode" gorm:"not null"`
	OpcodeName string    `json:"opcode_name" gorm:"type:varchar(40)"`
	Arg1       int64     `json:"arg1"`
	Arg2       int64     `json:"arg2"`
	Outcome    string    `json:"outcome" gorm:"type:varchar(20);not null;index"` // success, rejected, exhausted, no_response, corrupt, error
	Status     string    `json:"status,omitempty" gorm:"type:varchar(24)"`
	Response   bool      `json:"response"`
	Data       string    `json:"data,omitempty" gorm:"type:text"`
	Attempts   int       `json:"attempts"`
	ErrorMsg   string    `json:"error_msg,omitempty" gorm:"column:error_msg;type:text"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;index"`
}

func (ExchangeRecord) TableName() string {
	return "exchange_records"
}

// NewRecord summarizes an exchange outcome.
func NewRecord(stationID string, opcode protocol.Opcode, arg1, arg2 uint32, res *exchange.Result, err error, elapsed time.Duration) *ExchangeRecord {
	rec := &ExchangeRecord{
		ID:         uuid.New().String(),
		StationID:  stationID,
		Opcode:     int(opcode),
		OpcodeName: opcode.String(),
		Arg1:       int64(arg1),
		Arg2:       int64(arg2),
		Outcome:    exchange.OutcomeOf(err),
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}

	if res != nil {
		rec.CommandID = int(res.Request.CommandID())
		rec.Status = res.Reply.Status().String()
		rec.Response = res.Reply.IsResponse()
		rec.Data = hex.EncodeToString(res.Reply.Data())
		rec.Attempts = res.Attempts
	}

	var xerr *exchange.ExchangeError
	if errors.As(err, &xerr) {
		rec.CommandID = int(xerr.CommandID)
		rec.Attempts = xerr.Attempts
	}
	var nack *exchange.NegativeAckError
	if errors.As(err, &nack) {
		rec.Status = nack.Status.String()
	}
	if err != nil {
		rec.ErrorMsg = err.Error()
	}
	return rec
}
