package inventory

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

var keyA = Key{HospitalID: "hsp_a", BloodType: blood.ONeg}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func TestQuantityEqualsAddsMinusCommits(t *testing.T) {
	s := New()
	rng := rand.New(rand.NewSource(7))
	var added, committed int64
	var open []Token

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			d := int64(rng.Intn(500) + 1)
			if _, err := s.Add(keyA, d, nil); err != nil {
				t.Fatalf("Add: %v", err)
			}
			added += d
		case 1:
			tok, err := s.Reserve(keyA, int64(rng.Intn(600)+1))
			if err != nil {
				if !errors.Is(err, blood.ErrInsufficientStock) {
					t.Fatalf("Reserve: %v", err)
				}
				continue
			}
			open = append(open, tok)
		case 2:
			if len(open) == 0 {
				continue
			}
			tok := open[0]
			open = open[1:]
			if _, err := s.Commit(tok); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			committed += tok.Amount
		case 3:
			if len(open) == 0 {
				continue
			}
			tok := open[len(open)-1]
			open = open[:len(open)-1]
			if err := s.Release(tok); err != nil {
				t.Fatalf("Release: %v", err)
			}
		}
		lvl := s.Level(keyA)
		if lvl.QuantityML != added-committed {
			t.Fatalf("step %d: quantity %d, want %d", i, lvl.QuantityML, added-committed)
		}
		if lvl.QuantityML < 0 || lvl.AvailableML() < 0 {
			t.Fatalf("step %d: negative stock %+v", i, lvl)
		}
	}
}

func TestReserveReportsShortfall(t *testing.T) {
	s := New()
	if _, err := s.Add(keyA, 2, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := s.Reserve(keyA, 3)
	if !errors.Is(err, blood.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := blood.Shortfall(err); got != 1 {
		t.Fatalf("expected shortfall 1, got %d", got)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	s := New()
	if _, err := s.Add(keyA, 1000, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.Reserve(keyA, 100)
			if err != nil {
				return
			}
			if _, err := s.Commit(tok); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 10 {
		t.Fatalf("expected exactly 10 commits, got %d", won.Load())
	}
	if lvl := s.Level(keyA); lvl.QuantityML != 0 || lvl.ReservedML != 0 {
		t.Fatalf("unexpected level %+v", lvl)
	}
}

func TestReservationTimeout(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now), WithTTL(10*time.Second))
	if _, err := s.Add(keyA, 500, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tok, err := s.Reserve(keyA, 300)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := s.Level(keyA).AvailableML(); got != 200 {
		t.Fatalf("available %d, want 200", got)
	}

	clock.Advance(11 * time.Second)
	if n := s.ReleaseExpired(clock.Now()); n != 1 {
		t.Fatalf("expected 1 expired hold, got %d", n)
	}
	if got := s.Level(keyA).AvailableML(); got != 500 {
		t.Fatalf("available %d after timeout, want 500", got)
	}
	if _, err := s.Commit(tok); !errors.Is(err, blood.ErrReservationExpired) {
		t.Fatalf("expected expired commit to fail, got %v", err)
	}
	if err := s.Release(tok); !errors.Is(err, blood.ErrReservationExpired) {
		t.Fatalf("expected expired release to fail, got %v", err)
	}
	if got := s.Level(keyA).QuantityML; got != 500 {
		t.Fatalf("quantity changed by expired token: %d", got)
	}
}

func TestCommitPastDeadlineBeforeSweep(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now), WithTTL(time.Second))
	_, _ = s.Add(keyA, 100, nil)
	tok, err := s.Reserve(keyA, 100)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := s.Commit(tok); !errors.Is(err, blood.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if lvl := s.Level(keyA); lvl.QuantityML != 100 || lvl.ReservedML != 0 {
		t.Fatalf("unexpected level %+v", lvl)
	}
}

func TestSettlePersistFailureLeavesStateUntouched(t *testing.T) {
	s := New()
	keyB := Key{HospitalID: "hsp_a", BloodType: blood.OPos}
	_, _ = s.Add(keyA, 200, nil)
	_, _ = s.Add(keyB, 200, nil)
	t1, _ := s.Reserve(keyA, 150)
	t2, _ := s.Reserve(keyB, 50)

	boom := errors.New("db down")
	if _, err := s.Settle([]Token{t1, t2}, func([]blood.InventoryLevel) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if lvl := s.Level(keyA); lvl.QuantityML != 200 || lvl.ReservedML != 150 {
		t.Fatalf("keyA changed: %+v", lvl)
	}

	var persisted []blood.InventoryLevel
	levels, err := s.Settle([]Token{t1, t2}, func(l []blood.InventoryLevel) error {
		persisted = l
		return nil
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(levels) != 2 || len(persisted) != 2 {
		t.Fatalf("expected 2 rows, got %d/%d", len(levels), len(persisted))
	}
	if s.Level(keyA).QuantityML != 50 || s.Level(keyB).QuantityML != 150 {
		t.Fatalf("unexpected levels %+v %+v", s.Level(keyA), s.Level(keyB))
	}
}

func TestDebitUnderflowHaltsKey(t *testing.T) {
	s := New()
	_, _ = s.Add(keyA, 100, nil)

	_, err := s.Debit(keyA, 150, nil)
	if !errors.Is(err, blood.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if s.Level(keyA).QuantityML != 100 {
		t.Fatal("underflowing debit must not clamp")
	}
	if _, err := s.Add(keyA, 10, nil); !errors.Is(err, blood.ErrInvariantViolation) {
		t.Fatalf("halted key must refuse mutations, got %v", err)
	}
	if _, err := s.Reserve(keyA, 10); !errors.Is(err, blood.ErrInvariantViolation) {
		t.Fatalf("halted key must refuse reservations, got %v", err)
	}
	other := Key{HospitalID: "hsp_a", BloodType: blood.APos}
	if _, err := s.Add(other, 10, nil); err != nil {
		t.Fatalf("other keys must stay writable: %v", err)
	}
}

func TestDebitRespectsHolds(t *testing.T) {
	s := New()
	_, _ = s.Add(keyA, 100, nil)
	tok, _ := s.Reserve(keyA, 80)
	if _, err := s.Debit(keyA, 50, nil); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	_ = s.Release(tok)
	if _, err := s.Debit(keyA, 50, nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := s.Level(keyA).QuantityML; got != 50 {
		t.Fatalf("quantity %d, want 50", got)
	}
}

func TestInputValidation(t *testing.T) {
	s := New()
	cases := []struct {
		name string
		fn   func() error
	}{
		{"zero add", func() error { _, err := s.Add(keyA, 0, nil); return err }},
		{"negative reserve", func() error { _, err := s.Reserve(keyA, -1); return err }},
		{"blank hospital", func() error { _, err := s.Add(Key{BloodType: blood.APos}, 1, nil); return err }},
		{"bad type", func() error { _, err := s.Add(Key{HospitalID: "h", BloodType: "C+"}, 1, nil); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, blood.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds
	cases := map[int64]StockLevel{0: StockCritical, 899: StockCritical, 900: StockLow, 2250: StockAdequate, 4500: StockGood}
	for ml, want := range cases {
		if got := th.Classify(ml); got != want {
			t.Fatalf("Classify(%d)=%s, want %s", ml, got, want)
		}
	}
}
