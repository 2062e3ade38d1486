package service

import (
	"time"

	"circulation-service/internal/calendar"

	"github.com/shopspring/decimal"
)

// Policy holds the business constants every core operation is computed from
type Policy struct {
	PenaltyPerDay      decimal.Decimal
	LoanPeriodDays     int
	SubscriptionMonths int
	Location           *time.Location
}

// DefaultPolicy returns the library's stock rules
func DefaultPolicy() Policy {
	return Policy{
		PenaltyPerDay:      decimal.NewFromInt(10),
		LoanPeriodDays:     30,
		SubscriptionMonths: 3,
		Location:           time.UTC,
	}
}

// Today is the start of the library day containing now
func (p Policy) Today(now time.Time) time.Time {
	return calendar.StartOfDay(now, p.Location)
}

// DueDate is the due date of a loan issued at issuedAt
func (p Policy) DueDate(issuedAt time.Time) (time.Time, error) {
	return calendar.AddDays(issuedAt, p.LoanPeriodDays)
}

// Penalty is the overdue charge at instant now for a loan due at due.
// Any started day counts in full; nothing is owed on or before due.
func (p Policy) Penalty(due, now time.Time) (decimal.Decimal, int) {
	days := calendar.DaysBetween(due, now)
	if days <= 0 {
		return decimal.Zero, 0
	}
	return p.PenaltyPerDay.Mul(decimal.NewFromInt(int64(days))), days
}
