package hhrouting

import "testing"

func newPoint(idx *Index, x, y int32) *NetworkDBPoint {
	p := &NetworkDBPoint{ID: PointID(len(idx.Points)), X: x, Y: y}
	p.Dual = p.ID
	idx.Points = append(idx.Points, p)
	return p
}

func TestResolveDualPointsPropagatesReciprocally(t *testing.T) {
	idx := &Index{}
	a := newPoint(idx, 10, 20)
	b := newPoint(idx, 30, 40)
	a.Dual = b.ID
	b.Dual = a.ID

	idx.ResolveDualPoints()

	if a.EndX != b.X || a.EndY != b.Y {
		t.Errorf("a.End = (%d,%d), want (%d,%d)", a.EndX, a.EndY, b.X, b.Y)
	}
	if b.EndX != a.X || b.EndY != a.Y {
		t.Errorf("b.End = (%d,%d), want (%d,%d)", b.EndX, b.EndY, a.X, a.Y)
	}
}

func TestResolveDualPointsFixesNonReciprocalLink(t *testing.T) {
	idx := &Index{}
	a := newPoint(idx, 1, 2)
	b := newPoint(idx, 3, 4)
	// a points at b, but b was never wired back -- the original's "not
	// reciprocal on disk" case.
	a.Dual = b.ID

	idx.ResolveDualPoints()

	if b.Dual != a.ID {
		t.Errorf("expected ResolveDualPoints to wire b back to a, got b.Dual = %d", b.Dual)
	}
	if a.EndX != b.X || a.EndY != b.Y {
		t.Errorf("a.End = (%d,%d), want (%d,%d)", a.EndX, a.EndY, b.X, b.Y)
	}
}

func TestResolveDualPointsOutOfRangeBecomesSelfLoop(t *testing.T) {
	idx := &Index{}
	a := newPoint(idx, 5, 6)
	a.Dual = PointID(99) // no such point

	idx.ResolveDualPoints()

	if a.Dual != a.ID {
		t.Errorf("expected out-of-range dual to fall back to self, got %d", a.Dual)
	}
}

func TestInitHHPointsAssignsRegistryWideIndex(t *testing.T) {
	idx := &Index{}
	a := newPoint(idx, 0, 0)
	b := newPoint(idx, 1, 1)

	byIndex := InitHHPoints(nil, idx, nil, 3)

	if a.MapID != 3 || b.MapID != 3 {
		t.Errorf("expected MapID 3 on both points, got %d and %d", a.MapID, b.MapID)
	}
	wantA := int64(3)<<32 | int64(uint32(a.ID))
	wantB := int64(3)<<32 | int64(uint32(b.ID))
	if a.Index != wantA {
		t.Errorf("a.Index = %d, want %d", a.Index, wantA)
	}
	if byIndex[wantA] != a {
		t.Errorf("byIndex[%d] did not return point a", wantA)
	}
	if byIndex[wantB] != b {
		t.Errorf("byIndex[%d] did not return point b", wantB)
	}
}

func TestInitHHPointsDistinguishesSameIDAcrossFiles(t *testing.T) {
	idxA := &Index{}
	pA := newPoint(idxA, 0, 0)
	idxB := &Index{}
	pB := newPoint(idxB, 0, 0) // same local PointID(0) as pA, different file

	byIndexA := InitHHPoints(nil, idxA, nil, 0)
	byIndexB := InitHHPoints(nil, idxB, nil, 1)

	if pA.Index == pB.Index {
		t.Errorf("expected distinct global indices across files, both got %d", pA.Index)
	}
	if _, ok := byIndexA[pB.Index]; ok {
		t.Errorf("file A's lookup map should not contain file B's point")
	}
	if _, ok := byIndexB[pA.Index]; ok {
		t.Errorf("file B's lookup map should not contain file A's point")
	}
}

func TestCheckIDBoundarySemantics(t *testing.T) {
	b := &HHRouteBlockSegments{IDRangeStart: 100, IDRangeLength: 10}

	tests := []struct {
		name string
		id   int32
		want bool
	}{
		{"below range", 99, false},
		{"start of range (inclusive)", 100, true},
		{"middle of range", 105, true},
		{"last valid id (inclusive)", 109, true},
		{"end of range (exclusive)", 110, false},
		{"well above range", 200, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.CheckID(tt.id); got != tt.want {
				t.Errorf("CheckID(%d) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestClusterNeighborsExcludesSelfAndSortsByID(t *testing.T) {
	idx := &Index{}
	p0 := newPoint(idx, 0, 0)
	p1 := newPoint(idx, 0, 0)
	p2 := newPoint(idx, 0, 0)
	p3 := newPoint(idx, 0, 0)
	p0.ClusterID, p1.ClusterID, p2.ClusterID, p3.ClusterID = 1, 1, 2, 1

	neighbors := clusterNeighbors(idx, p1)

	want := []PointID{p0.ID, p3.ID}
	if len(neighbors) != len(want) {
		t.Fatalf("clusterNeighbors = %v, want %v", neighbors, want)
	}
	for i := range want {
		if neighbors[i] != want[i] {
			t.Errorf("clusterNeighbors[%d] = %d, want %d", i, neighbors[i], want[i])
		}
	}
}
