package domain

import "fmt"

// MilliCents represents monetary values in thousandths of a cent.
// Paid-call pricing is quoted per 1000 tokens at sub-cent granularity, so the
// ledger accounts in milli-cents and only rounds at display boundaries.
// Integer arithmetic avoids floating-point drift in spend accounting.
type MilliCents int64

const (
	// MilliCentsPerCent is the number of milli-cents in a cent.
	MilliCentsPerCent MilliCents = 1000

	// MilliCentsPerDollar is the number of milli-cents in a dollar.
	MilliCentsPerDollar = 100 * MilliCentsPerCent
)

// String formats the amount as dollars (e.g. 150000 → "$1.50").
func (m MilliCents) String() string {
	return fmt.Sprintf("$%.2f", float64(m)/float64(MilliCentsPerDollar))
}

// IsZero reports whether the amount is zero.
func (m MilliCents) IsZero() bool { return m == 0 }

// Add returns the sum of two amounts.
func (m MilliCents) Add(x MilliCents) MilliCents { return m + x }

// Cents truncates the amount to whole cents.
func (m MilliCents) Cents() int64 { return int64(m / MilliCentsPerCent) }
