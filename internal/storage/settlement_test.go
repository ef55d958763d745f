package storage

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func order(t *testing.T, id int64, side Side, price, amount string) Order {
	t.Helper()
	return Order{
		ID:     id,
		Side:   side,
		Price:  dec(t, price),
		Amount: dec(t, amount),
		Status: OrderStatusOpen,
	}
}

func TestBuildSettlementPlanPricesAtMaker(t *testing.T) {
	buy := order(t, 1, SideBuy, "105", "2")
	sell := order(t, 2, SideSell, "100", "2")
	rate := dec(t, "0.015")

	// Resting sell is the maker: the trade executes at 100, not 105.
	plan := buildSettlementPlan(buy, sell, sell, rate)

	if !plan.ExecPrice.Equal(dec(t, "100")) {
		t.Fatalf("exec price = %s, want 100", plan.ExecPrice)
	}
	if !plan.TradeValue.Equal(dec(t, "200")) {
		t.Fatalf("trade value = %s, want 200", plan.TradeValue)
	}
	if !plan.Commission.Equal(dec(t, "3")) {
		t.Fatalf("commission = %s, want 3", plan.Commission)
	}
	if !plan.SellerProceeds.Equal(dec(t, "197")) {
		t.Fatalf("seller proceeds = %s, want 197", plan.SellerProceeds)
	}
	if !plan.BuyerLocked.Equal(dec(t, "210")) {
		t.Fatalf("buyer locked = %s, want 210", plan.BuyerLocked)
	}
	// Buyer reserved at their own limit of 105 but pays 100.
	if !plan.BuyerRefund.Equal(dec(t, "10")) {
		t.Fatalf("buyer refund = %s, want 10", plan.BuyerRefund)
	}
}

func TestBuildSettlementPlanBuyMaker(t *testing.T) {
	buy := order(t, 1, SideBuy, "105", "3")
	sell := order(t, 2, SideSell, "100", "3")
	rate := dec(t, "0.015")

	// Resting buy is the maker: the incoming seller gets the higher price.
	plan := buildSettlementPlan(buy, sell, buy, rate)

	if !plan.ExecPrice.Equal(dec(t, "105")) {
		t.Fatalf("exec price = %s, want 105", plan.ExecPrice)
	}
	if !plan.TradeValue.Equal(dec(t, "315")) {
		t.Fatalf("trade value = %s, want 315", plan.TradeValue)
	}
	if !plan.BuyerRefund.IsZero() {
		t.Fatalf("buyer refund = %s, want 0", plan.BuyerRefund)
	}
}

func TestBuildSettlementPlanConservation(t *testing.T) {
	cases := []struct {
		name                string
		buyPrice, sellPrice string
		amount, rate        string
	}{
		{"equal prices", "50", "50", "4", "0.015"},
		{"buyer over limit", "52.5", "50", "4", "0.015"},
		{"zero commission", "50", "49.99", "1.5", "0"},
		{"fractional everything", "0.123456789012345678", "0.1", "7.000000000000000001", "0.0025"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buy := order(t, 1, SideBuy, tc.buyPrice, tc.amount)
			sell := order(t, 2, SideSell, tc.sellPrice, tc.amount)
			plan := buildSettlementPlan(buy, sell, sell, dec(t, tc.rate))

			// The buyer's reservation splits exactly into what the seller
			// receives, the commission, and the refund.
			total := plan.SellerProceeds.Add(plan.Commission).Add(plan.BuyerRefund)
			if !total.Equal(plan.BuyerLocked) {
				t.Fatalf("proceeds+commission+refund = %s, buyer locked = %s", total, plan.BuyerLocked)
			}
			if plan.SellerProceeds.IsNegative() || plan.Commission.IsNegative() || plan.BuyerRefund.IsNegative() {
				t.Fatalf("negative component in plan %+v", plan)
			}
			if plan.Commission.Exponent() < -18 || plan.TradeValue.Exponent() < -18 {
				t.Fatalf("scale exceeds 18: %+v", plan)
			}
		})
	}
}

func TestBuildSettlementPlanTruncatesToScale18(t *testing.T) {
	buy := order(t, 1, SideBuy, "0.333333333333333333", "0.333333333333333333")
	sell := order(t, 2, SideSell, "0.333333333333333333", "0.333333333333333333")
	plan := buildSettlementPlan(buy, sell, sell, dec(t, "0.015"))

	// 0.333...^2 has 36 fractional digits before truncation.
	want := dec(t, "0.111111111111111110")
	if !plan.TradeValue.Equal(want) {
		t.Fatalf("trade value = %s, want %s", plan.TradeValue, want)
	}
}

func TestSortedPair(t *testing.T) {
	if got := sortedPair(7, 3); got[0] != 3 || got[1] != 7 {
		t.Fatalf("sortedPair(7,3) = %v", got)
	}
	if got := sortedPair(3, 7); got[0] != 3 || got[1] != 7 {
		t.Fatalf("sortedPair(3,7) = %v", got)
	}
}

func TestMul18(t *testing.T) {
	got := mul18(dec(t, "1.000000000000000001"), dec(t, "1.000000000000000001"))
	want := dec(t, "1.000000000000000002")
	if !got.Equal(want) {
		t.Fatalf("mul18 = %s, want %s", got, want)
	}
}
