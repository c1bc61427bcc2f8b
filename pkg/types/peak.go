package types

import (
	"encoding/json"
	"math"
	"time"
)

// PeakEventKind categorizes a peak interval.
type PeakEventKind string

const (
	// PeakEventCritical is a critical peak pricing interval.
	PeakEventCritical PeakEventKind = "critical"
	// PeakEventCredit is a winter credit interval rewarding reduced consumption.
	PeakEventCredit PeakEventKind = "credit"
	// PeakEventAnchor is a reference interval used to establish the baseline.
	PeakEventAnchor PeakEventKind = "anchor"
)

// PeakEvent is one scheduled critical-peak or credit interval together with
// measured and baseline consumption. Consumption figures are NaN until the
// provider reports them (events in the future, or not yet settled).
type PeakEvent struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Kind  PeakEventKind `json:"kind"`

	// ActualKWH is the consumption measured during the event.
	ActualKWH float64 `json:"actualKWH"`
	// ReferenceKWH is the baseline consumption the reduction is measured against.
	ReferenceKWH float64 `json:"referenceKWH"`
}

// peakEventJSON is the wire form of PeakEvent. Unreported consumption is NaN
// in memory but null on the wire because JSON has no NaN.
type peakEventJSON struct {
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Kind         PeakEventKind `json:"kind"`
	ActualKWH    *float64      `json:"actualKWH"`
	ReferenceKWH *float64      `json:"referenceKWH"`
}

func (e PeakEvent) MarshalJSON() ([]byte, error) {
	j := peakEventJSON{
		Start: e.Start,
		End:   e.End,
		Kind:  e.Kind,
	}
	if !math.IsNaN(e.ActualKWH) {
		j.ActualKWH = &e.ActualKWH
	}
	if !math.IsNaN(e.ReferenceKWH) {
		j.ReferenceKWH = &e.ReferenceKWH
	}
	return json.Marshal(j)
}

func (e *PeakEvent) UnmarshalJSON(b []byte) error {
	var j peakEventJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	e.Start = j.Start
	e.End = j.End
	e.Kind = j.Kind
	e.ActualKWH = math.NaN()
	e.ReferenceKWH = math.NaN()
	if j.ActualKWH != nil {
		e.ActualKWH = *j.ActualKWH
	}
	if j.ReferenceKWH != nil {
		e.ReferenceKWH = *j.ReferenceKWH
	}
	return nil
}

// Contains reports whether t falls inside the event window.
func (e PeakEvent) Contains(t time.Time) bool {
	return !t.Before(e.Start) && t.Before(e.End)
}

// InPreheat reports whether t falls inside the pre-heat lead window that
// immediately precedes the event.
func (e PeakEvent) InPreheat(t time.Time, lead time.Duration) bool {
	if lead <= 0 {
		return false
	}
	return !t.Before(e.Start.Add(-lead)) && t.Before(e.Start)
}

// Settled reports whether the provider has reported both consumption figures.
func (e PeakEvent) Settled() bool {
	return !math.IsNaN(e.ActualKWH) && !math.IsNaN(e.ReferenceKWH)
}
