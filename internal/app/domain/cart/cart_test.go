package cart

import (
	"testing"
	"time"
)

func TestFindItemIdentityRules(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{
		{ID: "1", ProductID: "55", ProductType: TypeSimple, Qty: 2},
		{ID: "2", ProductID: "60", ProductType: TypeConfigurable, Qty: 1,
			Attributes: map[string]string{"Color": "Red", "Size": "M"}},
	}

	if idx := c.FindItem("55", TypeSimple, nil); idx != 0 {
		t.Fatalf("simple product must match by id, got %d", idx)
	}
	if idx := c.FindItem("60", TypeConfigurable, map[string]string{"Size": "M", "Color": "Red"}); idx != 1 {
		t.Fatalf("configurable must match regardless of attribute order, got %d", idx)
	}
	if idx := c.FindItem("60", TypeConfigurable, map[string]string{"Color": "Blue", "Size": "M"}); idx != -1 {
		t.Fatalf("different variant must not match, got %d", idx)
	}
	if idx := c.FindItem("99", TypeSimple, nil); idx != -1 {
		t.Fatalf("unknown product must not match, got %d", idx)
	}
}

func TestTotals(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{
		{ProductID: "55", UnitPrice: 10.50, OrigPrice: 15.00, Qty: 2},
		{ProductID: "60", UnitPrice: 5.25, OrigPrice: 5.25, Qty: 1},
	}
	c.ShippingAmount = 4.95
	c.TaxAmount = 2.10
	c.CreditUsed = 1.00

	if got := c.Subtotal(); got != 26.25 {
		t.Fatalf("subtotal = %v", got)
	}
	if got := c.Savings(); got != 9.00 {
		t.Fatalf("savings = %v", got)
	}
	if got := c.GrandTotal(); got != 32.30 {
		t.Fatalf("grand total = %v", got)
	}
}

func TestGrandTotalNeverNegative(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{{ProductID: "55", UnitPrice: 1, Qty: 1}}
	c.CreditUsed = 50

	if got := c.GrandTotal(); got != 0 {
		t.Fatalf("grand total must clamp at zero, got %v", got)
	}
}

func TestIsVirtual(t *testing.T) {
	c := New("7", time.Now())
	if c.IsVirtual() {
		t.Fatalf("empty cart is not virtual")
	}
	c.Items = []Item{{ProductType: TypeVirtual}}
	if !c.IsVirtual() {
		t.Fatalf("all-virtual cart must be virtual")
	}
	c.Items = append(c.Items, Item{ProductType: TypeSimple})
	if c.IsVirtual() {
		t.Fatalf("mixed cart is not virtual")
	}
}

func TestExpiresIn(t *testing.T) {
	now := time.Now()
	c := New("7", now.Add(-10*time.Minute))

	if got := c.ExpiresIn(15*time.Minute, now); got != 5*time.Minute {
		t.Fatalf("expected 5m remaining, got %v", got)
	}
	if got := c.ExpiresIn(5*time.Minute, now); got != 0 {
		t.Fatalf("expired cart must report zero, got %v", got)
	}

	c.Touch(now)
	if got := c.ExpiresIn(15*time.Minute, now); got != 15*time.Minute {
		t.Fatalf("touch must reset the window, got %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{{ProductID: "60", Attributes: map[string]string{"Color": "Red"}}}

	clone := c.Clone()
	clone.Items[0].Attributes["Color"] = "Blue"
	clone.Items[0].Qty = 9

	if c.Items[0].Attributes["Color"] != "Red" || c.Items[0].Qty != 0 {
		t.Fatalf("clone shares state with the original")
	}
}

func TestDiscountClampedToSubtotal(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{{ProductID: "55", UnitPrice: 10.00, Qty: 1}}

	c.Discount = 4.00
	if got := c.DiscountAmount(); got != 4.00 {
		t.Fatalf("discount = %v", got)
	}
	if got := c.GrandTotal(); got != 6.00 {
		t.Fatalf("grand total = %v", got)
	}

	// A discount larger than the subtotal never drives totals negative.
	c.Discount = 25.00
	if got := c.DiscountAmount(); got != 10.00 {
		t.Fatalf("clamped discount = %v", got)
	}
	c.Discount = -1.00
	if got := c.DiscountAmount(); got != 0 {
		t.Fatalf("negative discount = %v", got)
	}
}

func TestRemoveItemIgnoresOutOfRange(t *testing.T) {
	c := New("7", time.Now())
	c.Items = []Item{{ProductID: "55", Qty: 1}, {ProductID: "60", Qty: 1}}

	c.RemoveItem(5)
	c.RemoveItem(-1)
	if len(c.Items) != 2 {
		t.Fatalf("items = %+v", c.Items)
	}
	c.RemoveItem(1)
	if len(c.Items) != 1 || c.Items[0].ProductID != "55" {
		t.Fatalf("items = %+v", c.Items)
	}
}
