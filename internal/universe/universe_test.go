package universe

import (
	"math"
	"testing"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
)

func TestSetChannelClampsAndStores(t *testing.T) {
	tests := []struct {
		name  string
		ch    int
		value float64
		want  uint8
	}{
		{"plain", 10, 200, 200},
		{"clamp high", 1, 300, 255},
		{"clamp low", 1, -5, 0},
		{"rounds", 2, 100.6, 101},
		{"last channel", 512, 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := New(logger.NewNop())
			u.SetChannel(tt.ch, tt.value)
			if got := u.GetRaw()[tt.ch-1]; got != tt.want {
				t.Fatalf("raw[%d] = %d, want %d", tt.ch-1, got, tt.want)
			}
		})
	}
}

func TestSetChannelOutOfRangeIgnored(t *testing.T) {
	u := New(logger.NewNop())
	u.SetChannel(0, 100)
	u.SetChannel(513, 100)
	if got := u.GetRaw(); got != (dmx.Snapshot{}) {
		t.Fatalf("out-of-range write mutated state: %v", got[:4])
	}
}

func TestEffectiveAppliesMaster(t *testing.T) {
	u := New(logger.NewNop())
	u.SetChannel(1, 200)
	u.SetMasterDimmer(128)

	if got := u.GetRaw()[0]; got != 200 {
		t.Fatalf("raw[0] = %d, want 200 (master must not touch raw)", got)
	}
	want := uint8(math.Round(200 * 128.0 / 255))
	if got := u.GetEffective()[0]; got != want {
		t.Fatalf("effective[0] = %d, want %d", got, want)
	}
}

func TestEffectiveMatchesFormulaEverywhere(t *testing.T) {
	u := New(logger.NewNop())
	var snap dmx.Snapshot
	for i := range snap {
		snap[i] = uint8(i * 7 % 256)
	}
	u.ApplySnapshot(snap)
	u.SetMasterDimmer(77)

	raw := u.GetRaw()
	eff := u.GetEffective()
	for i := range raw {
		want := uint8(math.Round(float64(raw[i]) * 77 / 255))
		if eff[i] != want {
			t.Fatalf("effective[%d] = %d, want %d", i, eff[i], want)
		}
	}
}

func TestNotificationCounts(t *testing.T) {
	u := New(logger.NewNop())
	var n int
	u.Subscribe("test", func(dmx.Snapshot) { n++ })

	u.SetChannel(1, 10)
	if n != 1 {
		t.Fatalf("SetChannel: %d notifications, want 1", n)
	}

	n = 0
	u.SetChannels(map[int]float64{1: 1, 2: 2, 3: 3, 600: 4})
	if n != 1 {
		t.Fatalf("SetChannels batch: %d notifications, want 1", n)
	}

	n = 0
	u.ApplySnapshot(dmx.Snapshot{})
	if n != 1 {
		t.Fatalf("ApplySnapshot: %d notifications, want 1", n)
	}

	n = 0
	u.Blackout()
	if n != 1 {
		t.Fatalf("Blackout: %d notifications, want 1", n)
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	u := New(logger.NewNop())
	var survived bool
	u.Subscribe("a", func(dmx.Snapshot) { panic("boom") })
	u.Subscribe("b", func(dmx.Snapshot) { survived = true })

	u.SetChannel(1, 1)
	if !survived {
		t.Fatal("second listener did not run after first panicked")
	}
}

func TestListenerSeesEffectiveState(t *testing.T) {
	u := New(logger.NewNop())
	u.SetChannel(1, 200)
	u.SetMasterDimmer(128)

	var seen dmx.Snapshot
	u.Subscribe("test", func(s dmx.Snapshot) { seen = s })
	u.SetChannel(2, 100)

	if seen[0] != 100 {
		t.Fatalf("listener saw %d on channel 1, want post-master 100", seen[0])
	}
}

func TestBlackoutKeepsMaster(t *testing.T) {
	u := New(logger.NewNop())
	u.SetMasterDimmer(42)
	u.SetChannel(5, 200)
	u.Blackout()

	if got := u.GetRaw(); got != (dmx.Snapshot{}) {
		t.Fatal("blackout left non-zero channels")
	}
	if got := u.Master(); got != 42 {
		t.Fatalf("blackout changed master to %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	u := New(logger.NewNop())
	var n int
	u.Subscribe("test", func(dmx.Snapshot) { n++ })
	u.SetChannel(1, 1)
	u.Unsubscribe("test")
	u.SetChannel(1, 2)
	if n != 1 {
		t.Fatalf("notifications after unsubscribe: %d, want 1", n)
	}
}
