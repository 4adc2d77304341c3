package window

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"patternwatch/internal/model"
)

func newWindow(t *testing.T, gran int64, capacity int) *Window {
	t.Helper()
	w, err := New("R_10", gran, capacity)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	return w
}

func tick(epoch int64, price float64) model.Tick {
	return model.Tick{Instrument: "R_10", Epoch: epoch, Price: price}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, err := New("X", 0, 10); err == nil {
		t.Error("expected error for zero granularity")
	}
	if _, err := New("X", 60, 0); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestIngest_SameBucketUpdatesOHLC(t *testing.T) {
	w := newWindow(t, 60, 10)

	if out, _ := w.Ingest(tick(120, 100)); out != Opened {
		t.Fatalf("first tick: expected opened, got %v", out)
	}
	for _, p := range []float64{101.5, 99.25, 100.5} {
		if out, closed := w.Ingest(tick(150, p)); out != Updated || closed != nil {
			t.Fatalf("expected in-place update, got %v closed=%v", out, closed)
		}
	}

	snap := w.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(snap))
	}
	c := snap[0]
	if c.OpenTime != 120 || c.Open != 100 || c.High != 101.5 || c.Low != 99.25 || c.Close != 100.5 {
		t.Fatalf("unexpected candle %+v", c)
	}
}

func TestIngest_NewBucketReturnsClosed(t *testing.T) {
	w := newWindow(t, 60, 10)
	w.Ingest(tick(0, 10))
	w.Ingest(tick(30, 12))

	out, closed := w.Ingest(tick(61, 11))
	if out != Opened {
		t.Fatalf("expected opened, got %v", out)
	}
	if closed == nil || closed.OpenTime != 0 || closed.High != 12 || closed.Close != 12 {
		t.Fatalf("unexpected closed candle %+v", closed)
	}
	last, _ := w.Last()
	if last.OpenTime != 60 || last.Open != 11 || last.High != 11 || last.Low != 11 || last.Close != 11 {
		t.Fatalf("new bucket should have O=H=L=C=price, got %+v", last)
	}
}

func TestIngest_RejectsLateAndInvalid(t *testing.T) {
	w := newWindow(t, 60, 10)
	w.Ingest(tick(600, 10))

	if out, _ := w.Ingest(tick(599, 10)); out != Rejected {
		t.Errorf("late bucket: expected rejected, got %v", out)
	}
	if out, _ := w.Ingest(tick(610, 0)); out != Rejected {
		t.Errorf("zero price: expected rejected, got %v", out)
	}
	if out, _ := w.Ingest(tick(610, -3)); out != Rejected {
		t.Errorf("negative price: expected rejected, got %v", out)
	}
	if out, _ := w.Ingest(tick(610, math.Inf(1))); out != Rejected {
		t.Errorf("infinite price: expected rejected, got %v", out)
	}
	if out, _ := w.Ingest(tick(610, math.NaN())); out != Rejected {
		t.Errorf("NaN price: expected rejected, got %v", out)
	}
	if w.Rejected() != 5 {
		t.Errorf("expected 5 rejected ticks, got %d", w.Rejected())
	}
	if w.Len() != 1 {
		t.Errorf("rejections must not change the window, len=%d", w.Len())
	}
}

func TestIngest_Idempotent(t *testing.T) {
	w := newWindow(t, 60, 10)
	w.Ingest(tick(60, 5))
	w.Ingest(tick(70, 6))
	before := w.Snapshot()

	w.Ingest(tick(70, 6))
	after := w.Snapshot()

	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("re-ingesting a seen tick changed the window: %+v -> %+v", before, after)
	}
}

func TestIngest_EvictsOldestFirst(t *testing.T) {
	const capacity, k = 5, 3
	w := newWindow(t, 60, capacity)

	for i := int64(0); i < capacity+k; i++ {
		w.Ingest(tick(i*60, float64(100+i)))
	}

	snap := w.Snapshot()
	if len(snap) != capacity {
		t.Fatalf("expected %d candles, got %d", capacity, len(snap))
	}
	for i, c := range snap {
		want := int64(k+i) * 60
		if c.OpenTime != want {
			t.Errorf("candle[%d].OpenTime = %d, want %d", i, c.OpenTime, want)
		}
	}
}

func TestIngest_RandomTicksKeepInvariants(t *testing.T) {
	w := newWindow(t, 5, 16)
	rng := rand.New(rand.NewSource(42))

	epoch := int64(1_000)
	for i := 0; i < 5000; i++ {
		// mostly forward, sometimes backwards, sometimes repeats
		epoch += int64(rng.Intn(9)) - 2
		price := 50 + rng.Float64()*10
		if rng.Intn(50) == 0 {
			price = 0
		}
		w.Ingest(tick(epoch, price))

		snap := w.Snapshot()
		if len(snap) > w.Cap() {
			t.Fatalf("step %d: len %d exceeds capacity %d", i, len(snap), w.Cap())
		}
		for j := range snap {
			if !snap[j].Valid() {
				t.Fatalf("step %d: invalid candle %+v", i, snap[j])
			}
			if snap[j].OpenTime%5 != 0 {
				t.Fatalf("step %d: misaligned open time %d", i, snap[j].OpenTime)
			}
			if j > 0 && snap[j].OpenTime <= snap[j-1].OpenTime {
				t.Fatalf("step %d: open times not strictly increasing: %d then %d", i, snap[j-1].OpenTime, snap[j].OpenTime)
			}
		}
	}
}

func TestMergeHistory_SeedsEmptyWindow(t *testing.T) {
	w := newWindow(t, 60, 3)
	history := []model.Candle{
		{OpenTime: 0, Open: 1, High: 2, Low: 1, Close: 2},
		{OpenTime: 60, Open: 2, High: 3, Low: 2, Close: 3},
		{OpenTime: 120, Open: 3, High: 4, Low: 3, Close: 4},
		{OpenTime: 180, Open: 4, High: 5, Low: 4, Close: 5},
	}

	if added := w.MergeHistory(history); added != 4 {
		t.Fatalf("expected 4 added, got %d", added)
	}
	snap := w.Snapshot()
	if len(snap) != 3 || snap[0].OpenTime != 60 || snap[2].OpenTime != 180 {
		t.Fatalf("expected newest 3 buckets, got %+v", snap)
	}
}

func TestMergeHistory_ExistingLiveDataWins(t *testing.T) {
	w := newWindow(t, 60, 10)
	w.MergeHistory([]model.Candle{
		{OpenTime: 0, Open: 10, High: 11, Low: 9, Close: 10},
		{OpenTime: 60, Open: 10, High: 10, Low: 10, Close: 10},
	})
	// live ticks refine bucket 60
	w.Ingest(tick(65, 12))
	w.Ingest(tick(70, 8))

	// re-backfill returns a stale view of bucket 60 plus a newer bucket
	w.MergeHistory([]model.Candle{
		{OpenTime: 0, Open: 1, High: 1, Low: 1, Close: 1},
		{OpenTime: 60, Open: 10, High: 10.5, Low: 9.5, Close: 10},
		{OpenTime: 120, Open: 9, High: 9, Low: 9, Close: 9},
	})

	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 candles, got %+v", snap)
	}
	if snap[0].Open != 10 {
		t.Errorf("bucket 0 was overwritten: %+v", snap[0])
	}
	if snap[1].High != 12 || snap[1].Low != 8 || snap[1].Close != 8 {
		t.Errorf("live bucket 60 was overwritten: %+v", snap[1])
	}
	if snap[2].OpenTime != 120 {
		t.Errorf("expected new bucket 120, got %+v", snap[2])
	}

	// later live ticks keep refining the newest bucket
	w.Ingest(tick(130, 9.5))
	last, _ := w.Last()
	if last.OpenTime != 120 || last.High != 9.5 {
		t.Errorf("unexpected last candle after merge %+v", last)
	}
}

func TestMergeHistory_Idempotent(t *testing.T) {
	w := newWindow(t, 60, 10)
	history := []model.Candle{
		{OpenTime: 60, Open: 2, High: 3, Low: 2, Close: 3},
		{OpenTime: 0, Open: 1, High: 2, Low: 1, Close: 2},
	}
	w.MergeHistory(history)
	first := w.Snapshot()

	if added := w.MergeHistory(history); added != 0 {
		t.Fatalf("second merge should add nothing, added %d", added)
	}
	second := w.Snapshot()
	if len(first) != len(second) {
		t.Fatalf("merge not idempotent: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("merge not idempotent at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMergeHistory_DropsInvalidAndAligns(t *testing.T) {
	w := newWindow(t, 60, 10)
	w.MergeHistory([]model.Candle{
		{OpenTime: 61, Open: 2, High: 3, Low: 2, Close: 3},  // aligned to 60
		{OpenTime: 120, Open: 5, High: 3, Low: 2, Close: 3}, // open above high
		{OpenTime: 180, Open: 0, High: 0, Low: 0, Close: 0}, // non-positive
		{OpenTime: 75, Open: 2, High: 4, Low: 2, Close: 4},  // same bucket as 61, wins
	})

	snap := w.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 valid candle, got %+v", snap)
	}
	if snap[0].OpenTime != 60 || snap[0].High != 4 {
		t.Fatalf("unexpected candle %+v", snap[0])
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	w := newWindow(t, 60, 4)
	w.Ingest(tick(0, 1))
	snap := w.Snapshot()
	snap[0].Close = 999

	if last, _ := w.Last(); last.Close != 1 {
		t.Fatal("snapshot aliases window storage")
	}
}

func TestSnapshotVersion_ChangesOnMutation(t *testing.T) {
	w := newWindow(t, 60, 4)
	_, v0 := w.SnapshotVersion()
	w.Ingest(tick(0, 1))
	_, v1 := w.SnapshotVersion()
	w.Ingest(tick(-120, 1)) // rejected
	_, v2 := w.SnapshotVersion()

	if v1 == v0 {
		t.Error("version should change after ingest")
	}
	if v2 != v1 {
		t.Error("version should not change on rejection")
	}
}

func TestReset(t *testing.T) {
	w := newWindow(t, 60, 4)
	w.Ingest(tick(0, 1))
	w.Ingest(tick(60, 1))
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("expected empty window, got %d", w.Len())
	}
	// after reset an older bucket is acceptable again
	if out, _ := w.Ingest(tick(0, 2)); out != Opened {
		t.Fatalf("expected opened after reset, got %v", out)
	}
}

func TestConcurrentReadersNeverSeeTornCandles(t *testing.T) {
	w := newWindow(t, 1, 64)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := w.Snapshot()
				for i := range snap {
					if !snap[i].Valid() {
						t.Errorf("torn candle observed: %+v", snap[i])
						return
					}
					if i > 0 && snap[i].OpenTime <= snap[i-1].OpenTime {
						t.Errorf("unordered snapshot")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 20000; i++ {
		w.Ingest(tick(int64(i/7), 100+float64(i%13)))
	}
	close(done)
	wg.Wait()
}
