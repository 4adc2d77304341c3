package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"patternwatch/internal/model"
	"patternwatch/internal/notification"
)

type recorder struct {
	mu    sync.Mutex
	sent  []model.PatternEvent
	err   error
	delay time.Duration
}

func (r *recorder) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return &notification.DeliveryError{Channel: "fake", Err: ctx.Err()}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ev)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func ev(kind model.PatternKind, at int64) model.PatternEvent {
	return model.PatternEvent{Kind: kind, Instrument: "R_10", DetectedAt: at, Rationale: "test"}
}

func TestDispatch_DedupConsecutive(t *testing.T) {
	rec := &recorder{}
	d := New("R_10", rec, Config{}, nil)
	ctx := context.Background()

	if n := d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternBreakoutUp, 60)}); n != 1 {
		t.Fatalf("first scan: forwarded %d, want 1", n)
	}
	if n := d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternBreakoutUp, 120)}); n != 0 {
		t.Fatalf("second scan: forwarded %d, want 0", n)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one notify, got %d", rec.count())
	}
}

func TestDispatch_NeutralScanResets(t *testing.T) {
	rec := &recorder{}
	d := New("R_10", rec, Config{}, nil)
	ctx := context.Background()

	d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternDoubleTop, 60)})
	d.Dispatch(ctx, nil)
	d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternDoubleTop, 180)})

	if rec.count() != 2 {
		t.Fatalf("expected re-emission after a neutral scan, got %d", rec.count())
	}
}

func TestDispatch_SetSemantics(t *testing.T) {
	rec := &recorder{}
	d := New("R_10", rec, Config{}, nil)
	ctx := context.Background()

	// A, then A+B: only B is new
	d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternSymmetricTriangle, 60)})
	if n := d.Dispatch(ctx, []model.PatternEvent{
		ev(model.PatternSymmetricTriangle, 120),
		ev(model.PatternBreakoutUp, 120),
	}); n != 1 {
		t.Fatalf("expected only the new kind, got %d", n)
	}

	// B alone: A dropped out, B persists, nothing new
	if n := d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternBreakoutUp, 180)}); n != 0 {
		t.Fatalf("expected nothing new, got %d", n)
	}
	// A comes back: it was not in the previous set
	if n := d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternSymmetricTriangle, 240)}); n != 1 {
		t.Fatalf("expected A to fire again, got %d", n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []model.PatternKind{model.PatternSymmetricTriangle, model.PatternBreakoutUp, model.PatternSymmetricTriangle}
	if len(rec.sent) != len(want) {
		t.Fatalf("sent %d events, want %d", len(rec.sent), len(want))
	}
	for i, k := range want {
		if rec.sent[i].Kind != k {
			t.Errorf("event %d: kind %s, want %s", i, rec.sent[i].Kind, k)
		}
	}
}

func TestDispatch_FailureAdvancesMemory(t *testing.T) {
	rec := &recorder{err: &notification.DeliveryError{Channel: "fake", Err: errors.New("down")}}
	d := New("R_10", rec, Config{}, nil)

	var failed int
	d.OnDeliveryError = func(_ model.PatternEvent, err error) {
		var de *notification.DeliveryError
		if errors.As(err, &de) {
			failed++
		}
	}

	ctx := context.Background()
	d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternBreakoutDown, 60)})
	d.Dispatch(ctx, []model.PatternEvent{ev(model.PatternBreakoutDown, 120)})

	if rec.count() != 1 || failed != 1 {
		t.Fatalf("failed delivery must not be retried: sent=%d failed=%d", rec.count(), failed)
	}
}

func TestDispatch_NotifyTimeout(t *testing.T) {
	rec := &recorder{delay: time.Second}
	d := New("R_10", rec, Config{NotifyTimeout: 20 * time.Millisecond}, nil)

	errCh := make(chan error, 1)
	d.OnDeliveryError = func(_ model.PatternEvent, err error) { errCh <- err }

	start := time.Now()
	d.Dispatch(context.Background(), []model.PatternEvent{ev(model.PatternBullishFlag, 60)})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("dispatch blocked for %s despite timeout", elapsed)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	default:
		t.Fatal("expected a delivery error")
	}
}

func TestDispatch_RecentEventsBoundedWithIDs(t *testing.T) {
	d := New("R_10", &recorder{}, Config{RecentEvents: 3}, nil)
	var emitted []model.PatternEvent
	d.OnEmit = func(e model.PatternEvent) { emitted = append(emitted, e) }

	kinds := []model.PatternKind{model.PatternDoubleTop, model.PatternDoubleBottom}
	for i := 0; i < 5; i++ {
		// alternate kinds so every scan forwards one event
		d.Dispatch(context.Background(), []model.PatternEvent{ev(kinds[i%2], int64(i)*60)})
	}

	recent := d.RecentEvents()
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent events, got %d", len(recent))
	}
	if recent[0].DetectedAt != 120 || recent[2].DetectedAt != 240 {
		t.Errorf("recent events not oldest-first: %+v", recent)
	}
	ids := map[string]bool{}
	for _, e := range emitted {
		if e.ID == "" || ids[e.ID] {
			t.Fatalf("missing or duplicate id in %+v", e)
		}
		ids[e.ID] = true
	}
	if len(emitted) != 5 {
		t.Fatalf("OnEmit called %d times, want 5", len(emitted))
	}
}

func TestDispatch_DuplicateKindsInOneScan(t *testing.T) {
	rec := &recorder{}
	d := New("R_10", rec, Config{}, nil)
	n := d.Dispatch(context.Background(), []model.PatternEvent{
		ev(model.PatternBreakoutUp, 60),
		ev(model.PatternBreakoutUp, 60),
	})
	if n != 1 || rec.count() != 1 {
		t.Fatalf("expected one event per kind, got %d", n)
	}
}

func TestDispatch_ResetAndActive(t *testing.T) {
	rec := &recorder{}
	d := New("R_10", rec, Config{}, nil)
	d.Dispatch(context.Background(), []model.PatternEvent{ev(model.PatternRisingWedge, 60)})
	if a := d.Active(); len(a) != 1 || a[0] != model.PatternRisingWedge {
		t.Fatalf("unexpected active set %v", a)
	}
	d.Reset()
	d.Dispatch(context.Background(), []model.PatternEvent{ev(model.PatternRisingWedge, 120)})
	if rec.count() != 2 {
		t.Fatalf("expected re-emission after reset, got %d", rec.count())
	}
}

func TestDispatch_ConcurrentReaders(t *testing.T) {
	d := New("R_10", nil, Config{RecentEvents: 8}, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = d.RecentEvents()
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		k := model.PatternKind(fmt.Sprintf("k%d", i))
		d.Dispatch(context.Background(), []model.PatternEvent{ev(k, int64(i))})
	}
	close(stop)
	wg.Wait()
	if len(d.RecentEvents()) != 8 {
		t.Fatalf("expected 8 recent events, got %d", len(d.RecentEvents()))
	}
}
