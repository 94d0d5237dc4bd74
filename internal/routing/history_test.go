package routing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/geocast-simulator/model"
)

var t0 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(seconds * float64(time.Second)))
}

type regionList []*model.Region

func (l regionList) ListRegions() []*model.Region { return l }

func strip(id string, minX, maxX float64) *model.Region {
	return &model.Region{
		ID:   id,
		Type: model.RegionTypeRectangle,
		Min:  model.Point{X: minX, Y: -1000},
		Max:  model.Point{X: maxX, Y: 1000},
	}
}

func TestLambda(t *testing.T) {
	tests := []struct {
		name   string
		visits []time.Time
		want   float64
	}{
		{"none", nil, 0},
		{"single", []time.Time{at(3)}, 0},
		{"regular", []time.Time{at(0), at(20), at(40)}, 1.0 / 20},
		{"irregular", []time.Time{at(0), at(10), at(110)}, 1.0 / 55},
		{"identical", []time.Time{at(5), at(5)}, SaturatedRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lambda(tt.visits)
			if math.IsInf(got, 0) || math.IsNaN(got) {
				t.Fatalf("Lambda = %v, want finite", got)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("Lambda = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLambdaFavoursRegularVisitors(t *testing.T) {
	regular := Lambda([]time.Time{at(0), at(10), at(20), at(30)})
	sparse := Lambda([]time.Time{at(0), at(10), at(110)})
	if regular <= sparse {
		t.Fatalf("lambda(10,10,10) = %v should exceed lambda(10,100) = %v", regular, sparse)
	}
}

func TestVisitHistoryRecordsEntries(t *testing.T) {
	r := strip("R", 0, 10)
	h := NewVisitHistory(regionList{r})
	h.Register("A")

	path := []struct {
		t float64
		x float64
	}{
		{0, 5}, {10, 20}, {20, 5}, {25, 6}, {30, 50}, {40, 1},
	}
	for _, step := range path {
		if _, err := h.Observe("A", model.Point{X: step.x}, at(step.t)); err != nil {
			t.Fatalf("Observe(%v): %v", step.t, err)
		}
	}

	visits, err := h.Visits("A", "R")
	if err != nil {
		t.Fatalf("Visits: %v", err)
	}
	want := []time.Time{at(0), at(20), at(40)}
	if len(visits) != len(want) {
		t.Fatalf("visits = %v, want %v", visits, want)
	}
	for i := range want {
		if !visits[i].Equal(want[i]) {
			t.Fatalf("visits = %v, want %v", visits, want)
		}
	}

	rate, err := h.Rate("A", r)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if math.Abs(rate-1.0/20) > 1e-12 {
		t.Fatalf("Rate = %v, want 1/20", rate)
	}
}

func TestVisitHistoryClearsCurrentOutsideRegions(t *testing.T) {
	r := strip("R", 0, 10)
	h := NewVisitHistory(regionList{r})
	h.Register("A")

	entered, err := h.Observe("A", model.Point{X: 5}, at(0))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(entered) != 1 || entered[0].Region != "R" || !entered[0].At.Equal(at(0)) {
		t.Fatalf("entered = %+v", entered)
	}
	if cur, _ := h.Current("A"); cur != r {
		t.Fatalf("Current = %v, want R", cur)
	}

	if _, err := h.Observe("A", model.Point{X: 50}, at(1)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if cur, _ := h.Current("A"); cur != nil {
		t.Fatalf("Current = %v, want none", cur)
	}
}

func TestVisitHistoryOverlappingRegionsDoNotThrash(t *testing.T) {
	west := strip("west", 0, 10)
	east := strip("east", 5, 15)
	h := NewVisitHistory(regionList{west, east})
	h.Register("A")

	steps := []float64{7, 7, 3, 7, 7}
	for i, x := range steps {
		if _, err := h.Observe("A", model.Point{X: x}, at(float64(i))); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	w, _ := h.Visits("A", "west")
	e, _ := h.Visits("A", "east")
	if len(w) != 1 {
		t.Fatalf("west visits = %v, want a single entry", w)
	}
	if len(e) != 2 || !e[1].Equal(at(3)) {
		t.Fatalf("east visits = %v, want entries at 0s and 3s", e)
	}
	if cur, _ := h.Current("A"); cur != east {
		t.Fatalf("Current = %v, want east", cur)
	}

	// Leaving east while still inside west falls back to west.
	if _, err := h.Observe("A", model.Point{X: 2}, at(5)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if cur, _ := h.Current("A"); cur != west {
		t.Fatalf("Current = %v, want west", cur)
	}
}

func TestVisitHistoryTimestampsStrictlyIncrease(t *testing.T) {
	h := NewVisitHistory(regionList{strip("R", 0, 10)})
	h.Register("A")

	for _, x := range []float64{5, 50, 5} {
		if _, err := h.Observe("A", model.Point{X: x}, at(7)); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	visits, _ := h.Visits("A", "R")
	if len(visits) != 1 {
		t.Fatalf("visits = %v, want one entry", visits)
	}
}

func TestVisitHistoryRegionsAreCachedPerNode(t *testing.T) {
	regions := regionList{strip("R", 0, 10)}
	h := NewVisitHistory(&regions)
	h.Register("A")

	if _, err := h.Observe("A", model.Point{X: 5}, at(0)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	regions = append(regions, strip("late", 0, 10))

	if _, err := h.Visits("A", "late"); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Visits(late) error = %v, want ErrUnknownRegion", err)
	}

	h.Register("B")
	if _, err := h.Visits("B", "late"); err != nil {
		t.Fatalf("Visits(B, late): %v", err)
	}
}

func TestVisitHistoryUnknownNodeAndRegion(t *testing.T) {
	h := NewVisitHistory(regionList{strip("R", 0, 10)})
	h.Register("A")

	if _, err := h.Observe("ghost", model.Point{}, at(0)); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Observe(ghost) error = %v, want ErrUnknownNode", err)
	}
	if _, err := h.Rate("ghost", strip("R", 0, 10)); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Rate(ghost) error = %v, want ErrUnknownNode", err)
	}
	if _, err := h.Rate("A", strip("elsewhere", 0, 1)); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Rate(elsewhere) error = %v, want ErrUnknownRegion", err)
	}
	if rate, err := h.Rate("A", strip("R", 0, 10)); err != nil || rate != 0 {
		t.Fatalf("Rate with no history = %v, %v; want 0, nil", rate, err)
	}
}
