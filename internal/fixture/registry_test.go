package fixture

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/profile"
	"dmxlightd/internal/store"
)

const testProfile = `{
	"fixture": "Moving Head",
	"channelCount": 5,
	"channels": {
		"ch1": {"role": "dimmer", "label": "Dimmer"},
		"ch2": {"role": "modeSelect", "label": "Mode"},
		"ch3": {"role": "dynamic", "label": "Speed"},
		"ch4": {"role": "dynamic", "label": "Macro"},
		"ch5": {"role": "dynamic", "label": "Strobe"}
	},
	"modeChannel": "ch2",
	"modes": [
		{
			"name": "Manual",
			"channelValue": 0,
			"controls": {"ch1": {"type": "fader"}, "ch3": {"type": "fader"}, "ch4": {"type": "fader"}, "ch5": {"type": "fader"}}
		},
		{
			"name": "Macro",
			"channelValue": 128,
			"controls": {"ch3": {"type": "fader"}},
			"defaults": {"ch4": 50}
		}
	]
}`

type testEnv struct {
	dir      string
	loader   *profile.Loader
	registry *Registry
	store    *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "moving-head.json"), []byte(testProfile), 0o644); err != nil {
		t.Fatal(err)
	}
	loader := profile.NewLoader(logger.NewNop(), dir)
	if err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "reg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg, err := NewRegistry(logger.NewNop(), st, loader)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{dir: dir, loader: loader, registry: reg, store: st}
}

func TestCreateFromProfile(t *testing.T) {
	env := newTestEnv(t)

	f, err := env.registry.CreateFromProfile("Spot 1", "moving-head", 10)
	if err != nil {
		t.Fatalf("CreateFromProfile: %v", err)
	}

	if f.ID == "" || f.StartAddress != 10 || f.Type != "Moving Head" {
		t.Fatalf("fixture fields: %+v", f)
	}
	if f.ActiveMode != "Manual" {
		t.Fatalf("default active mode = %q, want first mode", f.ActiveMode)
	}
	want := []Binding{
		{Name: "Dimmer", DMXChannel: 10},
		{Name: "Mode", DMXChannel: 11},
		{Name: "Speed", DMXChannel: 12},
		{Name: "Macro", DMXChannel: 13},
		{Name: "Strobe", DMXChannel: 14},
	}
	if len(f.Channels) != len(want) {
		t.Fatalf("channels = %+v", f.Channels)
	}
	for i, b := range want {
		if f.Channels[i] != b {
			t.Fatalf("channel %d = %+v, want %+v", i, f.Channels[i], b)
		}
	}
}

func TestCreateFromProfileAddressValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, addr := range []int{0, -1, 509, 513} {
		if _, err := env.registry.CreateFromProfile("Bad", "moving-head", addr); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("startAddress %d: err = %v, want ErrInvalidAddress", addr, err)
		}
	}
	// 508 is the last legal start for a 5-channel profile.
	if _, err := env.registry.CreateFromProfile("Edge", "moving-head", 508); err != nil {
		t.Fatalf("startAddress 508: %v", err)
	}

	if _, err := env.registry.CreateFromProfile("X", "nope", 1); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("unknown profile: err = %v", err)
	}
}

func TestSetActiveModeWritesAndHygiene(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.registry.CreateFromProfile("Spot 1", "moving-head", 10)
	if err != nil {
		t.Fatal(err)
	}

	writes, err := env.registry.SetActiveMode(f.ID, "Macro")
	if err != nil {
		t.Fatalf("SetActiveMode: %v", err)
	}

	want := []dmx.ChannelValue{
		{Channel: 11, Value: 128}, // mode-select channel first
		{Channel: 13, Value: 50},  // defaults
	}
	if len(writes) != len(want) {
		t.Fatalf("writes = %+v, want %+v", writes, want)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, writes[i], want[i])
		}
	}

	hygiene, err := env.registry.ModeHygiene(f.ID, "Macro")
	if err != nil {
		t.Fatalf("ModeHygiene: %v", err)
	}
	// ch5 (dynamic, no control, no default) is zeroed; ch3 keeps its
	// control, ch4 is covered by a default.
	if len(hygiene) != 1 || hygiene[0] != (dmx.ChannelValue{Channel: 14, Value: 0}) {
		t.Fatalf("hygiene = %+v, want [{14 0}]", hygiene)
	}

	got, err := env.registry.Get(f.ID)
	if err != nil || got.ActiveMode != "Macro" {
		t.Fatalf("active mode after switch = %q, %v", got.ActiveMode, err)
	}
}

func TestSetActiveModeErrors(t *testing.T) {
	env := newTestEnv(t)
	f, _ := env.registry.CreateFromProfile("Spot 1", "moving-head", 10)
	flat, _ := env.registry.Create("Par", "par", []Binding{{Name: "Dim", DMXChannel: 100}}, ColorModeRGB)

	if _, err := env.registry.SetActiveMode("nope", "Manual"); !errors.Is(err, ErrUnknownFixture) {
		t.Fatalf("err = %v, want ErrUnknownFixture", err)
	}
	if _, err := env.registry.SetActiveMode(flat.ID, "Manual"); !errors.Is(err, ErrNotProfileFixture) {
		t.Fatalf("err = %v, want ErrNotProfileFixture", err)
	}
	if _, err := env.registry.SetActiveMode(f.ID, "Disco"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

func TestValidateChannelConflicts(t *testing.T) {
	env := newTestEnv(t)

	if got := env.registry.ValidateChannelConflicts(); len(got) != 0 {
		t.Fatalf("empty registry reported conflicts: %v", got)
	}

	env.registry.Create("Wash A", "par", []Binding{{Name: "Red", DMXChannel: 5}}, ColorModeRGB)
	env.registry.Create("Wash B", "par", []Binding{{Name: "Blue", DMXChannel: 5}}, ColorModeRGB)

	conflicts := env.registry.ValidateChannelConflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", conflicts)
	}
	msg := conflicts[0]
	for _, frag := range []string{"DMX 5", "Wash A", "Red", "Wash B", "Blue"} {
		if !strings.Contains(msg, frag) {
			t.Fatalf("conflict %q missing %q", msg, frag)
		}
	}
}

func TestProfileDriftRefresh(t *testing.T) {
	env := newTestEnv(t)
	f, _ := env.registry.CreateFromProfile("Spot 1", "moving-head", 10)

	// Bundled document changes on disk (a label is renamed).
	updated := strings.Replace(testProfile, `"label": "Strobe"`, `"label": "Shutter"`, 1)
	if err := os.WriteFile(filepath.Join(env.dir, "moving-head.json"), []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.loader.Load(); err != nil {
		t.Fatal(err)
	}

	got, err := env.registry.Get(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := got.ProfileDoc()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Channels["ch5"].Label != "Shutter" {
		t.Fatalf("stored profile not refreshed: ch5 label = %q", doc.Channels["ch5"].Label)
	}
	if got.ID != f.ID || got.StartAddress != 10 || got.ActiveMode != "Manual" {
		t.Fatalf("refresh changed identity fields: %+v", got)
	}

	// A second read must hit the hash cache and still be stable.
	again, _ := env.registry.Get(f.ID)
	if again.UpdatedAt != got.UpdatedAt {
		t.Fatal("second read rewrote an already-synced profile")
	}
}

func TestImportMergeSkipsConflicts(t *testing.T) {
	env := newTestEnv(t)
	existing, _ := env.registry.Create("Wash A", "par", []Binding{{Name: "Red", DMXChannel: 5}}, ColorModeRGB)

	doc := &ExportDocument{
		Version: 1,
		Fixtures: []Fixture{
			{ID: existing.ID, Name: "Dup", Channels: []Binding{{Name: "X", DMXChannel: 50}}},
			{ID: "f-overlap", Name: "Overlap", Channels: []Binding{{Name: "Y", DMXChannel: 5}}},
			{ID: "f-new", Name: "Fresh", Channels: []Binding{{Name: "Z", DMXChannel: 60}}},
		},
	}

	res, err := env.registry.Import(doc, ImportMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Skipped != 2 || len(res.Conflicts) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := env.registry.Get("f-new"); err != nil {
		t.Fatal("merged fixture missing")
	}
}

func TestImportReplaceOverwritesStore(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Create("Old", "par", []Binding{{Name: "Red", DMXChannel: 5}}, ColorModeRGB)

	doc := &ExportDocument{
		Version:  1,
		Fixtures: []Fixture{{ID: "f-1", Name: "New", Channels: []Binding{{Name: "X", DMXChannel: 1}}}},
	}
	res, err := env.registry.Import(doc, ImportReplace)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Skipped != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("result = %+v", res)
	}
	list := env.registry.List()
	if len(list) != 1 || list[0].ID != "f-1" {
		t.Fatalf("registry after replace = %+v", list)
	}
}

func TestExportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.registry.CreateFromProfile("Spot 1", "moving-head", 10)
	env.registry.Create("Par", "par", []Binding{{Name: "Dim", DMXChannel: 100}}, ColorModeRGB)

	doc := env.registry.Export()
	if doc.Version != 1 || len(doc.Fixtures) != 2 || doc.ExportedAt.IsZero() {
		t.Fatalf("export = %+v", doc)
	}
}

func TestRegistryReloadsFromStore(t *testing.T) {
	env := newTestEnv(t)
	f, _ := env.registry.CreateFromProfile("Spot 1", "moving-head", 10)

	reloaded, err := NewRegistry(logger.NewNop(), env.store, env.loader)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(f.ID)
	if err != nil || got.Name != "Spot 1" || got.StartAddress != 10 {
		t.Fatalf("reloaded fixture = %+v, %v", got, err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	env := newTestEnv(t)
	f, _ := env.registry.Create("Par", "par", []Binding{{Name: "Dim", DMXChannel: 100}}, ColorModeRGB)

	f.Name = "Par renamed"
	f.Layout = &Layout{X: 10, Y: 20, Width: 100, Height: 50, OnCanvas: true}
	updated, err := env.registry.Update(*f)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "Par renamed" || updated.Layout == nil || !updated.Layout.OnCanvas {
		t.Fatalf("update result = %+v", updated)
	}
	if updated.CreatedAt != f.CreatedAt {
		t.Fatal("update changed CreatedAt")
	}

	f.Layout = &Layout{Width: -1}
	if _, err := env.registry.Update(*f); err == nil {
		t.Fatal("negative layout size accepted")
	}

	ok, err := env.registry.Delete(f.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	ok, _ = env.registry.Delete(f.ID)
	if ok {
		t.Fatal("second delete reported success")
	}
	if _, err := env.registry.Get(f.ID); !errors.Is(err, ErrUnknownFixture) {
		t.Fatalf("deleted fixture still readable: %v", err)
	}
}
