package billing

import (
	"sort"

	"github.com/warp/care-attendance/attendance"
)

// =============================================================================
// INTERVAL RECONSTRUCTION - One two-state machine per caregiver
// =============================================================================
//
//   state Out --check_in-->  In   (remember the check-in)
//   state In  --check_out--> Out  (emit WorkInterval)
//   state In  --check_in-->  In   (earlier check-in is superseded)
//   state Out --check_out--> Out  (check-out is orphaned)
//   end of window in In           (check-in is open)
//
// Anomalies are shown to the family but never billed: on ambiguous data the
// engine under-bills rather than over-bills.

type AnomalyKind string

const (
	// AnomalyOpen is a check-in with no check-out before the window ends.
	AnomalyOpen AnomalyKind = "open"
	// AnomalySuperseded is a check-in followed by another check-in.
	AnomalySuperseded AnomalyKind = "superseded"
	// AnomalyOrphaned is a check-out with no preceding check-in.
	AnomalyOrphaned AnomalyKind = "orphaned"
)

// Anomaly is an event that contributed no interval.
type Anomaly struct {
	Kind  AnomalyKind
	Event attendance.CheckEvent
}

// Reconstruction is the output of Reconstruct.
type Reconstruction struct {
	Intervals  []attendance.WorkInterval
	Anomalies  []Anomaly
	Caregivers []string // every caregiver that appears in the input, sorted
}

type shiftState int

const (
	stateOut shiftState = iota
	stateIn
)

type caregiverMachine struct {
	state   shiftState
	checkIn attendance.CheckEvent
}

// Reconstruct pairs events into work intervals. The input is not modified.
func Reconstruct(events []attendance.CheckEvent) Reconstruction {
	sorted := make([]attendance.CheckEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AcceptedAt.Before(sorted[j].AcceptedAt)
	})

	var out Reconstruction
	machines := make(map[string]*caregiverMachine)

	for _, ev := range sorted {
		m, ok := machines[ev.CaregiverName]
		if !ok {
			m = &caregiverMachine{}
			machines[ev.CaregiverName] = m
			out.Caregivers = append(out.Caregivers, ev.CaregiverName)
		}

		switch {
		case ev.Action == attendance.ActionCheckIn && m.state == stateOut:
			m.state, m.checkIn = stateIn, ev

		case ev.Action == attendance.ActionCheckIn && m.state == stateIn:
			out.Anomalies = append(out.Anomalies, Anomaly{Kind: AnomalySuperseded, Event: m.checkIn})
			m.checkIn = ev

		case ev.Action == attendance.ActionCheckOut && m.state == stateIn:
			out.Intervals = append(out.Intervals, attendance.WorkInterval{
				Caregiver: ev.CaregiverName,
				Start:     m.checkIn.AcceptedAt,
				End:       ev.AcceptedAt,
				CheckIn:   m.checkIn.ID,
				CheckOut:  ev.ID,
			})
			m.state, m.checkIn = stateOut, attendance.CheckEvent{}

		case ev.Action == attendance.ActionCheckOut && m.state == stateOut:
			out.Anomalies = append(out.Anomalies, Anomaly{Kind: AnomalyOrphaned, Event: ev})
		}
	}

	for _, name := range out.Caregivers {
		if m := machines[name]; m.state == stateIn {
			out.Anomalies = append(out.Anomalies, Anomaly{Kind: AnomalyOpen, Event: m.checkIn})
		}
	}

	sort.Strings(out.Caregivers)
	sort.SliceStable(out.Anomalies, func(i, j int) bool {
		return out.Anomalies[i].Event.AcceptedAt.Before(out.Anomalies[j].Event.AcceptedAt)
	})
	return out
}
