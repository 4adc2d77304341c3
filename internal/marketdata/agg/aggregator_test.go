package agg

import (
	"math"
	"testing"

	"patternwatch/internal/marketdata/window"
	"patternwatch/internal/model"
)

func newAgg(t *testing.T, capacity int) *Aggregator {
	t.Helper()
	w, err := window.New("R_10", 60, capacity)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	return New(w, nil)
}

func TestAggregator_BasicCandle(t *testing.T) {
	a := newAgg(t, 10)

	var closed []model.Candle
	a.OnCandleClose = func(c model.Candle) { closed = append(closed, c) }

	// 3 ticks in the same minute
	a.HandleTick(model.Tick{Instrument: "R_10", Epoch: 60, Price: 500})
	a.HandleTick(model.Tick{Instrument: "R_10", Epoch: 80, Price: 505})
	a.HandleTick(model.Tick{Instrument: "R_10", Epoch: 110, Price: 498})

	// next minute closes the previous bucket
	a.HandleTick(model.Tick{Instrument: "R_10", Epoch: 121, Price: 501})

	if len(closed) != 1 {
		t.Fatalf("expected 1 closed candle, got %d", len(closed))
	}
	c := closed[0]
	if c.OpenTime != 60 || c.Open != 500 || c.High != 505 || c.Low != 498 || c.Close != 498 {
		t.Errorf("unexpected closed candle %+v", c)
	}
	if a.Accepted() != 4 {
		t.Errorf("expected 4 accepted ticks, got %d", a.Accepted())
	}
}

func TestAggregator_DropReasons(t *testing.T) {
	a := newAgg(t, 10)

	reasons := map[string]int{}
	a.OnDroppedTick = func(r string) { reasons[r]++ }

	a.HandleTick(model.Tick{Epoch: 200, Price: 10})
	a.HandleTick(model.Tick{Epoch: 201, Price: 0})                      // non-positive
	a.HandleTick(model.Tick{Epoch: 199, Price: 10})                     // time regression
	a.HandleTick(model.Tick{Instrument: "R_75", Epoch: 205, Price: 10}) // wrong instrument

	if reasons[ReasonNonPositivePrice] != 1 || reasons[ReasonTimeRegression] != 1 || reasons[ReasonWrongInstrument] != 1 {
		t.Errorf("unexpected drop reasons %v", reasons)
	}
	if a.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", a.Dropped())
	}
}

func TestAggregator_RejectsNonFinitePrice(t *testing.T) {
	a := newAgg(t, 10)
	a.HandleTick(model.Tick{Epoch: 60, Price: 100})

	for _, p := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		if a.HandleTick(model.Tick{Epoch: 61, Price: p}) {
			t.Errorf("price %v should be dropped", p)
		}
	}
	if a.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", a.Dropped())
	}
	snap := a.Window().Snapshot()
	if len(snap) != 1 || !snap[0].Valid() || snap[0].High != 100 {
		t.Errorf("window must keep only the good candle, got %+v", snap)
	}
}

func TestAggregator_LateBucketAfterHistory(t *testing.T) {
	a := newAgg(t, 10)
	a.HandleHistory([]model.Candle{
		{OpenTime: 600, Open: 1, High: 1, Low: 1, Close: 1},
	})

	var reason string
	a.OnDroppedTick = func(r string) { reason = r }

	// no tick accepted yet, but the bucket is older than the backfilled one
	if a.HandleTick(model.Tick{Epoch: 540, Price: 1}) {
		t.Fatal("expected late tick to be dropped")
	}
	if reason != ReasonLateBucket {
		t.Errorf("expected %s, got %s", ReasonLateBucket, reason)
	}
}

func TestAggregator_DuplicateTickIsIdempotent(t *testing.T) {
	a := newAgg(t, 10)
	a.HandleTick(model.Tick{Epoch: 60, Price: 3})
	a.HandleTick(model.Tick{Epoch: 61, Price: 4})
	before := a.Window().Snapshot()

	if !a.HandleTick(model.Tick{Epoch: 61, Price: 4}) {
		t.Fatal("retransmitted tick at the same timestamp should be accepted")
	}
	after := a.Window().Snapshot()
	if before[0] != after[0] {
		t.Fatalf("duplicate tick changed the candle: %+v -> %+v", before[0], after[0])
	}
}

func TestAggregator_Reset(t *testing.T) {
	a := newAgg(t, 10)
	a.HandleTick(model.Tick{Epoch: 600, Price: 3})
	a.Window().Reset()
	a.Reset()

	if !a.HandleTick(model.Tick{Epoch: 60, Price: 3}) {
		t.Fatal("after reset an earlier tick should be accepted")
	}
}
