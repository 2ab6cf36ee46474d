package reputation

import "testing"

func TestTradeRewardsFloor(t *testing.T) {
	// A free trade weights as price 10: sqrt(10)/5 < 5 and sqrt(10)/20 < 3,
	// so both sides land on their floors.
	if got := SellerReward(0); got != 5 {
		t.Fatalf("seller reward for free trade: got %v want 5", got)
	}
	if got := BuyerReward(0); got != 3 {
		t.Fatalf("buyer reward for free trade: got %v want 3", got)
	}
}

func TestTradeRewardsScaleWithPrice(t *testing.T) {
	price := int64(10000) // sqrt = 100
	if got := SellerReward(price); got != 20 {
		t.Fatalf("seller reward: got %v want 20", got)
	}
	if got := BuyerReward(price); got != 5 {
		t.Fatalf("buyer reward: got %v want 5", got)
	}
	if SellerReward(price) <= BuyerReward(price) {
		t.Fatal("seller reward must exceed buyer reward")
	}
}

func TestInfluenceMonotonic(t *testing.T) {
	last := 0
	for _, price := range []int64{0, 10, 100, 1000, 100000} {
		inf := Influence(price)
		if inf < last {
			t.Fatalf("influence must not decrease with price: %v after %v", inf, last)
		}
		last = inf
	}
}

func TestPriceCap(t *testing.T) {
	// Fresh seller at full trust: (0+1)*1000*(100/100)^10 = 1000.
	if got := PriceCap(0, 100); got != 1000 {
		t.Fatalf("price cap for fresh seller: got %d want 1000", got)
	}
	// Trust 90 collapses the cap to roughly a third.
	low := PriceCap(0, 90)
	if low >= 1000 || low <= 0 {
		t.Fatalf("price cap at trust 90 should shrink sharply, got %d", low)
	}
	// More sales raise the ceiling linearly.
	if got := PriceCap(4, 100); got != 5000 {
		t.Fatalf("price cap with 4 sales: got %d want 5000", got)
	}
	if got := PriceCap(3, 0); got != 0 {
		t.Fatalf("price cap at zero trust: got %d want 0", got)
	}
}

func TestClampTrust(t *testing.T) {
	if got := ClampTrust(150); got != 100 {
		t.Fatalf("clamp above max: got %d", got)
	}
	if got := ClampTrust(-3); got != 0 {
		t.Fatalf("clamp below min: got %d", got)
	}
	if got := ApplyTrust(95, 20); got != 100 {
		t.Fatalf("apply trust should clamp at 100, got %d", got)
	}
	// Repeated extreme penalties never escape the floor.
	trust := 10
	for i := 0; i < 5; i++ {
		trust = ApplyTrust(trust, -1000)
	}
	if trust != 0 {
		t.Fatalf("repeated penalties: got %d want 0", trust)
	}
}

func TestDisputeAwards(t *testing.T) {
	inf := Influence(400) // sqrt(400) = 20

	v := AcceptViolation(inf)
	if v.ReporterTrust != 10 || v.ReporterCoins != 1000 || v.AccusedTrust != -40 {
		t.Fatalf("violation accept award: %+v", v)
	}

	p := AcceptPostTrade(inf, 400)
	if p.ReporterCoins != 200 || p.AccusedCoins != -200 {
		t.Fatalf("post-trade accept must move half the price: %+v", p)
	}
	if p.AccusedTrust != -30 {
		t.Fatalf("post-trade accused trust: got %v want -30", p.AccusedTrust)
	}
	// Value conservation: coins debited equal coins credited.
	if p.ReporterCoins+p.AccusedCoins != 0 {
		t.Fatalf("post-trade award created or destroyed coins: %+v", p)
	}

	d := Decline(inf, true)
	if d.AccusedTrust != 20 || d.ReporterTrust != -10 {
		t.Fatalf("decline award: %+v", d)
	}
	if got := Decline(inf, false).ReporterTrust; got != 0 {
		t.Fatalf("post-trade decline must not penalize reporter, got %v", got)
	}
}
