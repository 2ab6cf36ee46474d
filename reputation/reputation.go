// Package reputation computes the trust and coin deltas applied by the
// ledger. Every function is pure; callers apply the results inside their own
// transaction.
package reputation

import "math"

const (
	// TrustMax is the ceiling for every trust score.
	TrustMax = 100
	// TrustMin is the floor for every trust score.
	TrustMin = 0

	// ViolationReportInfluence is the fixed weight of a pre-completion
	// violation report.
	ViolationReportInfluence = 10

	// ViolationRulingPenalty is the trust debit applied by a direct admin
	// violation ruling.
	ViolationRulingPenalty = 30
)

// ClampTrust bounds a trust score to [TrustMin, TrustMax].
func ClampTrust(trust int) int {
	if trust > TrustMax {
		return TrustMax
	}
	if trust < TrustMin {
		return TrustMin
	}
	return trust
}

// priceWeight is the common sqrt(max(price, 10)) base used by trade rewards
// and dispute influence.
func priceWeight(price int64) float64 {
	if price < 10 {
		price = 10
	}
	return math.Sqrt(float64(price))
}

// SellerReward returns the trust gained by the listing owner when a trade
// completes at the given price.
func SellerReward(price int64) int {
	return int(math.Round(math.Max(priceWeight(price)/5, 5)))
}

// BuyerReward returns the trust gained by the accepted proposer when a trade
// completes at the given price.
func BuyerReward(price int64) int {
	return int(math.Round(math.Max(priceWeight(price)/20, 3)))
}

// Influence is the severity weight of a dispute over a trade at the given
// price. It is debited from the accused at report time and restored whole if
// the dispute is later declined, so it is rounded once here and persisted as
// an integer with the dispute.
func Influence(price int64) int {
	return int(math.Round(priceWeight(price)))
}

// PriceCap returns the maximum price a seller may put on a listing.
// The cap grows linearly with completed sales and collapses exponentially as
// trust falls below 100.
func PriceCap(priorSold int, trust int) int64 {
	if trust <= 0 {
		return 0
	}
	if trust > TrustMax {
		trust = TrustMax
	}
	base := float64(priorSold+1) * 1000
	return int64(base * math.Pow(float64(trust)/100, 10))
}

// DisputeAward bundles the deltas applied when a dispute is resolved.
type DisputeAward struct {
	ReporterTrust int
	ReporterCoins int64
	AccusedTrust  int
	AccusedCoins  int64
}

// AcceptViolation computes the award for upholding a pre-completion
// violation report with the given influence.
func AcceptViolation(influence int) DisputeAward {
	return DisputeAward{
		ReporterTrust: influence / 2,
		ReporterCoins: int64(influence/2) * 100,
		AccusedTrust:  -influence * 2,
	}
}

// AcceptPostTrade computes the award for upholding a post-completion
// dispute: the responsible counterpart reimburses half the trade price and
// loses influence-scaled trust on top of a fixed penalty.
func AcceptPostTrade(influence int, price int64) DisputeAward {
	return DisputeAward{
		ReporterCoins: price / 2,
		AccusedTrust:  -(influence + 10),
		AccusedCoins:  -(price / 2),
	}
}

// Decline computes the award for rejecting a dispute: the accused gets the
// preventive influence debit back, and a violation reporter pays a smaller
// penalty to discourage frivolous reports.
func Decline(influence int, violation bool) DisputeAward {
	award := DisputeAward{AccusedTrust: influence}
	if violation {
		award.ReporterTrust = -influence / 2
	}
	return award
}

// ApplyTrust applies a delta to a current trust score and clamps the result.
func ApplyTrust(current, delta int) int {
	return ClampTrust(current + delta)
}
