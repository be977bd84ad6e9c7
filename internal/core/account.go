package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account. Inactive accounts
// reject all mutating operations but are never physically deleted.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

type Account struct {
	ID           int
	CustomerName string
	Balance      decimal.Decimal
	Status       AccountStatus
	CreatedAt    time.Time
}
