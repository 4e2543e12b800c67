package flow

import "time"

// Kind classifies a continuous flow event.
type Kind string

const (
	// KindActual marks a flow built entirely from measured samples.
	KindActual Kind = "actual"
	// KindImputed marks a flow whose window touches at least one imputed sample.
	KindImputed Kind = "imputed"
)

// displayLayout matches the timestamp rendering of the legacy text reports.
const displayLayout = "2006-01-02 15:04:05"

// Event is a single continuous flow detection.
//
// End is the timestamp of the sample one position past the window, not the
// last sample inside it. Consumers that compare against older reports rely on
// this convention.
type Event struct {
	Kind  Kind      `json:"kind"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Index is the series position the window starts at.
	Index int `json:"index"`
}

// Imputed reports whether the event touches imputed data.
func (e Event) Imputed() bool { return e.Kind == KindImputed }

// String renders the event in the legacy text form, e.g.
// "Imputed Cont. Flow in Range 2021-03-01 00:00:00 to 2021-03-15 00:00:00".
func (e Event) String() string {
	prefix := ""
	if e.Kind == KindImputed {
		prefix = "Imputed "
	}
	return prefix + "Cont. Flow in Range " + e.Start.Format(displayLayout) + " to " + e.End.Format(displayLayout)
}

// Result holds the three ordered detection sequences of one scan.
type Result struct {
	// All is every detection in scan order.
	All []Event `json:"all"`
	// Actual is the subsequence of All built from measured samples only.
	Actual []Event `json:"actual"`
	// Imputed is the subsequence of All touching imputed samples.
	Imputed []Event `json:"imputed"`
}

func (r *Result) add(e Event) {
	r.All = append(r.All, e)
	if e.Kind == KindImputed {
		r.Imputed = append(r.Imputed, e)
		return
	}
	r.Actual = append(r.Actual, e)
}

// Lines renders All in the legacy text form.
func (r Result) Lines() []string {
	lines := make([]string, len(r.All))
	for i, e := range r.All {
		lines[i] = e.String()
	}
	return lines
}
