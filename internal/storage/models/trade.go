// internal/storage/models/trade.go
package models

// Trade is one routed execution attempt, successful or not. Rows are
// append-only; the signature is not unique because failed attempts have
// none.
type Trade struct {
	BaseModel
	Mint         string `gorm:"index;not null;type:varchar(44)"`
	Side         string `gorm:"not null;type:varchar(4)"`
	Method       string `gorm:"type:varchar(12)"`
	Signature    string `gorm:"index;type:varchar(88)"`
	Success      bool   `gorm:"not null"`
	FallbackUsed bool
	DurationMS   float64 `gorm:"type:decimal(10,3)"`
	ErrorMessage string  `gorm:"type:text"`
}
