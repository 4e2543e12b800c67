// Package storage keeps the latest detection report per meter.
package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/HatiCode/flowwatch/pkg/flow"
	"github.com/HatiCode/flowwatch/pkg/mnf"
)

// meterIDRegex accepts meter serial numbers and other ids that are safe to
// embed in storage keys and query strings.
var meterIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// ValidMeterID reports whether id may be used as a meter identifier.
func ValidMeterID(id string) bool {
	return meterIDRegex.MatchString(id)
}

// Report is the outcome of one detection tick for a meter.
type Report struct {
	Meter       string    `json:"meter"`
	GeneratedAt time.Time `json:"generatedAt"`

	Threshold          float64 `json:"threshold"`
	Period             int     `json:"period"`
	GranularitySeconds int64   `json:"granularitySeconds"`
	// Samples is the number of readings the detection ran on.
	Samples int `json:"samples"`

	Events flow.Result `json:"events"`
	MNF    mnf.Report  `json:"mnf"`
}

type Store interface {
	Put(ctx context.Context, report Report) error
	GetLatest(ctx context.Context, meter string) (Report, bool, error)
}
