package cache

import (
	"testing"

	"github.com/obfcore/obf/internal/coord"
)

func TestLookupMissReportsCacheStale(t *testing.T) {
	m := NewManifest()
	if _, err := m.Lookup("europe.obf", 1024); err == nil {
		t.Fatal("expected Lookup on an empty manifest to fail")
	}
}

func TestLookupStaleOnSizeMismatch(t *testing.T) {
	m := NewManifest()
	m.Put(&FileEntry{Name: "europe.obf", Size: 1024})

	if _, err := m.Lookup("europe.obf", 2048); err == nil {
		t.Fatal("expected Lookup with a mismatched size to fail")
	}
	if _, err := m.Lookup("europe.obf", 1024); err != nil {
		t.Fatalf("expected Lookup with a matching size to succeed, got %v", err)
	}
}

func TestPutTracksDirtyOnlyOnRealChange(t *testing.T) {
	m := NewManifest()
	entry := &FileEntry{Name: "europe.obf", Size: 1024}

	m.Put(entry)
	if !m.HasChanged() {
		t.Fatal("expected the first Put of a new entry to mark the manifest dirty")
	}
	m.ClearDirty()

	m.Put(&FileEntry{Name: "europe.obf", Size: 1024})
	if m.HasChanged() {
		t.Fatal("expected re-Put of an identical entry not to mark the manifest dirty")
	}

	m.Put(&FileEntry{Name: "europe.obf", Size: 2048})
	if !m.HasChanged() {
		t.Fatal("expected Put of a changed entry to mark the manifest dirty")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewManifest()
	m.DateCreated = 1700000000
	m.Put(&FileEntry{
		Name:        "europe_germany.obf",
		Size:        123456,
		DateCreated: 1699999999,
		MapParts: []IndexPart{
			{Name: "basemap", Offset: 10, Length: 200, Bbox: coord.Box{Left: 1, Right: 5, Top: 9, Bottom: 2}},
		},
		RoutingParts: []RoutingPart{
			{
				IndexPart: IndexPart{Name: "routing", Offset: 300, Length: 400},
				Subregions: []SubregionPart{
					{Offset: 310, Length: 50, ShiftToData: 12, Bbox: coord.Box{Left: 1, Right: 2, Top: 3, Bottom: 4}},
					{Offset: 370, Length: 30},
				},
			},
		},
		TransportParts: []IndexPart{
			{Name: "transport", Offset: 500, Length: 60},
		},
		HHParts: []HHPart{
			{Offset: 700, Length: 80, TopBox: coord.Box{Left: -1, Right: -2, Top: -3, Bottom: -4}},
		},
	})

	data := Encode(m, DefaultVersion)

	decoded, err := Decode(data, DefaultVersion)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.DateCreated != m.DateCreated {
		t.Errorf("DateCreated = %d, want %d", decoded.DateCreated, m.DateCreated)
	}

	entry, err := decoded.Lookup("europe_germany.obf", 123456)
	if err != nil {
		t.Fatalf("Lookup after round-trip: %v", err)
	}
	if len(entry.MapParts) != 1 || entry.MapParts[0].Offset != 10 {
		t.Errorf("unexpected MapParts after round-trip: %+v", entry.MapParts)
	}
	if len(entry.RoutingParts) != 1 || len(entry.RoutingParts[0].Subregions) != 2 {
		t.Fatalf("unexpected RoutingParts after round-trip: %+v", entry.RoutingParts)
	}
	if entry.RoutingParts[0].Subregions[0].ShiftToData != 12 {
		t.Errorf("ShiftToData = %d, want 12", entry.RoutingParts[0].Subregions[0].ShiftToData)
	}
	if len(entry.TransportParts) != 1 || entry.TransportParts[0].Name != "transport" {
		t.Errorf("unexpected TransportParts after round-trip: %+v", entry.TransportParts)
	}
	if len(entry.HHParts) != 1 || entry.HHParts[0].TopBox.Left != -1 {
		t.Errorf("unexpected HHParts after round-trip: %+v", entry.HHParts)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	m := NewManifest()
	data := Encode(m, DefaultVersion)

	if _, err := Decode(data, DefaultVersion+1); err == nil {
		t.Fatal("expected Decode to reject a manifest encoded with a different version")
	}
}
