package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	PolicyProgressive = "progressive"
	PolicyFlat        = "flat"
)

// FinePolicy maps a number of overdue days to a fine amount.
type FinePolicy interface {
	Calculate(overdueDays int) decimal.Decimal
	Name() string
}

// FineRates carries the tunable constants of both policies.
type FineRates struct {
	Tier1Rate    decimal.Decimal
	Tier2Rate    decimal.Decimal
	Tier3Rate    decimal.Decimal
	Tier1MaxDays int
	Tier2MaxDays int
	FlatRate     decimal.Decimal
	MaxFine      decimal.Decimal
}

// ProgressivePolicy bills the whole period at the rate of the tier the total falls in.
type ProgressivePolicy struct {
	Tier1Rate    decimal.Decimal
	Tier2Rate    decimal.Decimal
	Tier3Rate    decimal.Decimal
	Tier1MaxDays int
	Tier2MaxDays int
}

func (p ProgressivePolicy) Name() string { return PolicyProgressive }

func (p ProgressivePolicy) Calculate(overdueDays int) decimal.Decimal {
	if overdueDays <= 0 {
		return decimal.Zero
	}
	rate := p.Tier3Rate
	switch {
	case overdueDays <= p.Tier1MaxDays:
		rate = p.Tier1Rate
	case overdueDays <= p.Tier2MaxDays:
		rate = p.Tier2Rate
	}
	return rate.Mul(decimal.NewFromInt(int64(overdueDays)))
}

// FlatPolicy bills a daily rate up to MaxFine. A non-positive MaxFine disables the cap.
type FlatPolicy struct {
	DailyRate decimal.Decimal
	MaxFine   decimal.Decimal
}

func (p FlatPolicy) Name() string { return PolicyFlat }

func (p FlatPolicy) Calculate(overdueDays int) decimal.Decimal {
	if overdueDays <= 0 {
		return decimal.Zero
	}
	amount := p.DailyRate.Mul(decimal.NewFromInt(int64(overdueDays)))
	if p.MaxFine.IsPositive() && amount.GreaterThan(p.MaxFine) {
		return p.MaxFine
	}
	return amount
}

// NewFinePolicy selects a policy by name.
func NewFinePolicy(name string, rates FineRates) (FinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyProgressive, "":
		return ProgressivePolicy{
			Tier1Rate:    rates.Tier1Rate,
			Tier2Rate:    rates.Tier2Rate,
			Tier3Rate:    rates.Tier3Rate,
			Tier1MaxDays: rates.Tier1MaxDays,
			Tier2MaxDays: rates.Tier2MaxDays,
		}, nil
	case PolicyFlat:
		return FlatPolicy{DailyRate: rates.FlatRate, MaxFine: rates.MaxFine}, nil
	default:
		return nil, fmt.Errorf("unknown fine policy %q", name)
	}
}
