package duration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOverheadsUnavailable is returned when an instrument type has no overhead data.
// Durations are never computed from guessed overheads.
var ErrOverheadsUnavailable = errors.New("instrument overheads unavailable")

// InstrumentOverheads holds the per instrument type timing overheads, in seconds.
type InstrumentOverheads struct {
	ConfigFrontPadding       float64            `yaml:"config_front_padding" json:"configFrontPadding"`
	InstrumentChangeOverhead float64            `yaml:"instrument_change_overhead" json:"instrumentChangeOverhead"`
	ObservationFrontPadding  float64            `yaml:"observation_front_padding" json:"observationFrontPadding"`
	DefaultExposureOverhead  float64            `yaml:"default_exposure_overhead" json:"defaultExposureOverhead"`
	ModeExposureOverheads    map[string]float64 `yaml:"mode_exposure_overheads" json:"modeExposureOverheads"`
	ConfigChangeOverheads    map[string]float64 `yaml:"config_change_overheads" json:"configChangeOverheads"`
}

// ExposureOverhead is the readout and setup overhead added to every exposure in mode.
func (o InstrumentOverheads) ExposureOverhead(mode string) float64 {
	if v, ok := o.ModeExposureOverheads[mode]; ok {
		return v
	}
	return o.DefaultExposureOverhead
}

type OverheadsProvider interface {
	Overheads(instrumentType string) (InstrumentOverheads, error)
}

// StaticOverheads serves overheads loaded from configuration, keyed by instrument type.
type StaticOverheads map[string]InstrumentOverheads

func (s StaticOverheads) Overheads(instrumentType string) (InstrumentOverheads, error) {
	if o, ok := s[strings.ToUpper(instrumentType)]; ok {
		return o, nil
	}
	return InstrumentOverheads{}, fmt.Errorf("%w: %s", ErrOverheadsUnavailable, instrumentType)
}

// NewStaticOverheads normalizes instrument type keys.
func NewStaticOverheads(in map[string]InstrumentOverheads) StaticOverheads {
	out := make(StaticOverheads, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
