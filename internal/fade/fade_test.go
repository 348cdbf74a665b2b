package fade

import (
	"testing"
	"time"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/universe"
)

func waitDone(t *testing.T, h *Handle, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatal("fade did not complete in time")
	}
}

func TestInstantFadeAppliesImmediately(t *testing.T) {
	u := universe.New(logger.NewNop())
	e := New(logger.NewNop(), u)

	var target dmx.Snapshot
	target[0] = 255
	target[100] = 42

	h := e.FadeTo(target, 0)
	waitDone(t, h, time.Second)

	if got := u.GetRaw(); got != target {
		t.Fatalf("raw state = %v..., want target applied instantly", got[:4])
	}
}

func TestFadeReachesTarget(t *testing.T) {
	u := universe.New(logger.NewNop())
	e := NewWithInterval(logger.NewNop(), u, 5*time.Millisecond)

	var target dmx.Snapshot
	for i := range target {
		target[i] = uint8(i % 256)
	}

	h := e.FadeTo(target, 60*time.Millisecond)
	waitDone(t, h, time.Second)

	if got := u.GetRaw(); got != target {
		t.Fatalf("fade finished away from target: got[0..4]=%v want %v", got[:4], target[:4])
	}
	if e.Active() {
		t.Fatal("engine still active after completion")
	}
}

func TestFadeIntermediateValuesStayBounded(t *testing.T) {
	u := universe.New(logger.NewNop())
	u.SetChannel(1, 50)
	e := NewWithInterval(logger.NewNop(), u, 2*time.Millisecond)

	var target dmx.Snapshot
	target[0] = 250

	var samples []uint8
	u.Subscribe("probe", func(s dmx.Snapshot) {
		samples = append(samples, s[0])
	})

	h := e.FadeTo(target, 50*time.Millisecond)
	waitDone(t, h, time.Second)

	prev := uint8(50)
	for i, s := range samples {
		if s < 50 || s > 250 {
			t.Fatalf("sample %d = %d escaped [50,250]", i, s)
		}
		if s < prev {
			t.Fatalf("sample %d = %d went backwards from %d", i, s, prev)
		}
		prev = s
	}
	if len(samples) < 2 {
		t.Fatalf("expected multiple interpolation frames, saw %d", len(samples))
	}
}

func TestUntouchedChannelsStayZero(t *testing.T) {
	u := universe.New(logger.NewNop())
	e := NewWithInterval(logger.NewNop(), u, 2*time.Millisecond)

	var target dmx.Snapshot
	target[0] = 255

	h := e.FadeTo(target, 30*time.Millisecond)
	waitDone(t, h, time.Second)

	raw := u.GetRaw()
	for i := 1; i < len(raw); i++ {
		if raw[i] != 0 {
			t.Fatalf("channel %d moved to %d during a single-channel fade", i+1, raw[i])
		}
	}
}

func TestNewFadeCancelsPrevious(t *testing.T) {
	u := universe.New(logger.NewNop())
	e := NewWithInterval(logger.NewNop(), u, 2*time.Millisecond)

	var a, b dmx.Snapshot
	a[0] = 255
	b[0] = 10
	b[1] = 200

	first := e.FadeTo(a, 500*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	second := e.FadeTo(b, 40*time.Millisecond)

	// The superseded handle resolves right away.
	select {
	case <-first.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("first fade handle not resolved by the second FadeTo")
	}

	waitDone(t, second, time.Second)
	if got := u.GetRaw(); got != b {
		t.Fatalf("state after second fade = %v..., want second target", got[:4])
	}
}

func TestCancelStopsWithoutRollback(t *testing.T) {
	u := universe.New(logger.NewNop())
	e := NewWithInterval(logger.NewNop(), u, 2*time.Millisecond)

	var target dmx.Snapshot
	target[0] = 200

	h := e.FadeTo(target, 500*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	e.Cancel()
	waitDone(t, h, time.Second)

	mid := u.GetRaw()[0]
	if mid == 0 || mid == 200 {
		t.Fatalf("cancelled fade left channel at %d, want a mid-fade value", mid)
	}

	time.Sleep(30 * time.Millisecond)
	if got := u.GetRaw()[0]; got != mid {
		t.Fatalf("state kept moving after cancel: %d -> %d", mid, got)
	}
}
