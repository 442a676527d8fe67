package bars

import (
	"testing"
	"time"

	"github.com/marketcore/tradingcore/internal/money"
)

func mkBar(sym string, ts time.Time, o, h, l, c float64) Bar {
	return Bar{
		Symbol: Normalize(sym),
		TS:     ts,
		Open:   money.FromFloat(o),
		High:   money.FromFloat(h),
		Low:    money.FromFloat(l),
		Close:  money.FromFloat(c),
		Volume: 100,
	}
}

func TestValidateRejectsZeroPrice(t *testing.T) {
	b := mkBar("AAPL", time.Now(), 0, 1, 0, 1)
	if err := Validate(b); err == nil {
		t.Fatal("expected zero-price bar to fail validation")
	}
}

func TestValidateRejectsLowAboveOpen(t *testing.T) {
	b := mkBar("AAPL", time.Now(), 10, 12, 11, 10.5)
	if err := Validate(b); err == nil {
		t.Fatal("expected low-above-open bar to fail validation")
	}
}

func TestAppendDropsDuplicateTimestamp(t *testing.T) {
	p := NewProcessor(10)
	ts := time.Now().UTC()
	b1 := mkBar("AAPL", ts, 10, 11, 9, 10.5)
	if err := p.Append(b1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2 := mkBar("AAPL", ts, 10.5, 11, 9, 10.2)
	if err := p.Append(b2); err != ErrDuplicateBar {
		t.Fatalf("expected ErrDuplicateBar, got %v", err)
	}
	if len(p.History(Normalize("AAPL"))) != 1 {
		t.Fatal("duplicate bar must not be appended")
	}
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	p := NewProcessor(10)
	ts := time.Now().UTC()
	if err := p.Append(mkBar("AAPL", ts, 10, 11, 9, 10.5)); err != nil {
		t.Fatal(err)
	}
	if err := p.Append(mkBar("AAPL", ts.Add(-time.Minute), 10, 11, 9, 10.5)); err != ErrDuplicateBar {
		t.Fatalf("expected ErrDuplicateBar for out-of-order ts, got %v", err)
	}
}

func TestHistoryCapacityDiscardsOldest(t *testing.T) {
	p := NewProcessor(2) // capacity = 10
	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		b := mkBar("AAPL", base.Add(time.Duration(i)*time.Minute), 10, 11, 9, 10.5)
		if err := p.Append(b); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	h := p.History(Normalize("AAPL"))
	if len(h) != 10 {
		t.Fatalf("expected capacity-bounded history of 10, got %d", len(h))
	}
	// Oldest 5 should have been discarded; first entry is i=5.
	if !h[0].TS.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected oldest retained bar ts=%v, got %v", base.Add(5*time.Minute), h[0].TS)
	}
}

func TestUpdatePriceIndependentOfHistory(t *testing.T) {
	p := NewProcessor(10)
	sym := Normalize("AAPL")
	p.UpdatePrice(sym, money.FromFloat(99.5))
	price, ok := p.LastPrice(sym)
	if !ok || !price.Equal(money.FromFloat(99.5)) {
		t.Fatalf("expected last price 99.5, got %v ok=%v", price, ok)
	}
	if len(p.History(sym)) != 0 {
		t.Fatal("UpdatePrice must not touch history")
	}
}
