package validator

import (
	"testing"
	"time"

	"marketcore/internal/model"
)

func series(base time.Time, prices ...float64) model.ForecastSeries {
	out := make(model.ForecastSeries, len(prices))
	for i, p := range prices {
		out[i] = model.SeriesPoint{TS: base.Add(time.Duration(i+1) * time.Minute), Price: p}
	}
	return out
}

func TestHardValidate(t *testing.T) {
	base := time.Now()

	if HardValidate(nil, 3) {
		t.Fatal("empty series must fail hard validation")
	}

	s := series(base, 100, 101, 102)
	if !HardValidate(s, 3) {
		t.Fatal("expected ascending finite-positive series to pass")
	}

	nan := series(base, 100, 101, 102)
	nan[1].Price = 0
	if HardValidate(nan, 3) {
		t.Fatal("zero price must fail hard validation")
	}

	outOfOrder := series(base, 100, 101, 102)
	outOfOrder[2].TS = outOfOrder[0].TS
	if HardValidate(outOfOrder, 3) {
		t.Fatal("non-ascending timestamps must fail")
	}
}

func TestMagnitudeValidate_RunawayClamped(t *testing.T) {
	base := time.Now()
	ref := 1500.0
	s := series(base, 1510, 1600, 3000)

	if MagnitudeValidate(s, ref, DefaultMagnitudeBounds) {
		t.Fatal("expected runaway series to fail magnitude validation")
	}

	sanitized, clipped := Sanitize(s, ref, DefaultMagnitudeBounds)
	if clipped == 0 {
		t.Fatal("expected at least one point clipped")
	}
	maxAllowed := ref * DefaultMagnitudeBounds.BandHigh
	for _, p := range sanitized {
		if p.Price > maxAllowed+1e-9 {
			t.Fatalf("sanitized point %v exceeds band high %v", p.Price, maxAllowed)
		}
	}
}

func TestMagnitudeValidate_WithinBounds(t *testing.T) {
	base := time.Now()
	ref := 1500.0
	s := series(base, 1505, 1510, 1515)
	if !MagnitudeValidate(s, ref, DefaultMagnitudeBounds) {
		t.Fatal("expected small, smooth moves to pass magnitude validation")
	}
}

func TestDedupeAscending(t *testing.T) {
	base := time.Now()
	s := series(base, 100, 101, 102)
	s = append(s, s[len(s)-1]) // duplicate last point

	deduped, ascending := DedupeAscending(s)
	if !ascending {
		t.Fatal("expected strictly ascending result after dedupe")
	}
	if len(deduped) != 3 {
		t.Fatalf("expected duplicate removed, got %d points", len(deduped))
	}
}
