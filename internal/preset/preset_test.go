package preset

import (
	"errors"
	"path/filepath"
	"testing"

	"dmxlightd/internal/logger"
	"dmxlightd/internal/store"
	"dmxlightd/internal/universe"
)

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "presets.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	s, err := NewStore(logger.NewNop(), st)
	if err != nil {
		t.Fatal(err)
	}
	return s, st
}

func TestCreatePadsChannels(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		in   []uint8
	}{
		{"short", []uint8{1, 2, 3}},
		{"exact", make([]uint8, 512)},
		{"long", make([]uint8, 600)},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.Create("p", tt.in, 500, "#ff0000", nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(p.Channels) != 512 {
				t.Fatalf("channels length = %d, want 512", len(p.Channels))
			}
			for i := range tt.in {
				if i >= 512 {
					break
				}
				if p.Channels[i] != tt.in[i] {
					t.Fatalf("channel %d = %d, want %d", i, p.Channels[i], tt.in[i])
				}
			}
		})
	}
}

func TestCaptureTakesRawState(t *testing.T) {
	s, _ := newTestStore(t)
	uni := universe.New(logger.NewNop())
	uni.SetChannel(1, 200)
	uni.SetMasterDimmer(50) // capture is pre-master

	p, err := s.Capture("look", uni, 1000, "blue", map[string]string{"f1": "Manual"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Channels[0] != 200 {
		t.Fatalf("captured channel 1 = %d, want raw 200", p.Channels[0])
	}
	if p.FixtureModes["f1"] != "Manual" {
		t.Fatalf("fixture modes = %v", p.FixtureModes)
	}

	got, err := s.Get(p.ID)
	if err != nil || got.Name != "look" || got.FadeTime != 1000 {
		t.Fatalf("round trip = %+v, %v", got, err)
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	p, _ := s.Create("before", nil, 0, "red", nil)

	name := "after"
	fade := 2500
	got, err := s.Update(p.ID, Patch{Name: &name, FadeTime: &fade})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.CreatedAt != p.CreatedAt {
		t.Fatal("update changed identity")
	}
	if got.Name != "after" || got.FadeTime != 2500 || got.Color != "red" {
		t.Fatalf("patched preset = %+v", got)
	}
	if !got.UpdatedAt.After(p.UpdatedAt) && !got.UpdatedAt.Equal(p.UpdatedAt) {
		t.Fatal("UpdatedAt went backwards")
	}

	if _, err := s.Update("nope", Patch{Name: &name}); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	p, _ := s.Create("p", nil, 0, "", nil)

	ok, err := s.Delete(p.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if ok, _ := s.Delete(p.ID); ok {
		t.Fatal("second delete reported success")
	}
	if _, err := s.Get(p.ID); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("deleted preset still readable: %v", err)
	}
}

func TestListOrderAndReload(t *testing.T) {
	s, st := newTestStore(t)
	s.Create("one", nil, 0, "", nil)
	s.Create("two", nil, 0, "", nil)

	if got := s.List(); len(got) != 2 {
		t.Fatalf("List = %d entries", len(got))
	}

	reloaded, err := NewStore(logger.NewNop(), st)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.List()
	if len(got) != 2 {
		t.Fatalf("reloaded store has %d presets", len(got))
	}
	for _, p := range got {
		if len(p.Channels) != 512 {
			t.Fatalf("reloaded preset %q has %d channels", p.Name, len(p.Channels))
		}
	}
}
