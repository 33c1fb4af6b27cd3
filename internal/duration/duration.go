// Package duration computes request and request group durations charged against
// time allocations.
package duration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

type SemesterLookup interface {
	SemesterIn(ctx context.Context, start, end time.Time) (models.Semester, error)
}

type Calculator struct {
	overheads OverheadsProvider
	semesters SemesterLookup
}

func NewCalculator(overheads OverheadsProvider, semesters SemesterLookup) *Calculator {
	return &Calculator{overheads: overheads, semesters: semesters}
}

// ConfigurationDuration is the time one configuration takes, excluding request level
// overheads. REPEAT configurations take exactly their repeat_duration.
func ConfigurationDuration(conf models.Configuration, o InstrumentOverheads) float64 {
	if conf.IsRepeat() {
		return *conf.RepeatDuration
	}
	var total float64
	for _, ic := range conf.InstrumentConfigs {
		total += float64(ic.ExposureCount) * (ic.ExposureTime + o.ExposureOverhead(ic.Mode))
	}
	return total + o.ConfigFrontPadding
}

// RequestDurationByInstrumentType returns seconds per instrument type for one request,
// with observation front padding shared out in proportion to each type's time.
func (c *Calculator) RequestDurationByInstrumentType(req models.Request) (map[string]float64, error) {
	confs := append([]models.Configuration(nil), req.Configurations...)
	sort.SliceStable(confs, func(i, j int) bool { return confs[i].Priority < confs[j].Priority })

	out := make(map[string]float64)
	previousInstrument := ""
	previousType := ""
	for _, conf := range confs {
		o, err := c.overheads.Overheads(conf.InstrumentType)
		if err != nil {
			return nil, err
		}
		d := ConfigurationDuration(conf, o)
		if conf.InstrumentType != previousInstrument {
			d += o.InstrumentChangeOverhead
		}
		if conf.Type != previousType {
			d += o.ConfigChangeOverheads[conf.Type]
		}
		previousInstrument, previousType = conf.InstrumentType, conf.Type
		out[conf.InstrumentType] += d
	}

	var total float64
	for _, d := range out {
		total += d
	}
	if total == 0 {
		return out, nil
	}
	padded := make(map[string]float64, len(out))
	for it, d := range out {
		o, err := c.overheads.Overheads(it)
		if err != nil {
			return nil, err
		}
		padded[it] = d + d/total*o.ObservationFrontPadding
	}
	return padded, nil
}

// TotalRequestDuration is the request's duration rounded up to whole seconds.
func (c *Calculator) TotalRequestDuration(req models.Request) (float64, error) {
	byType, err := c.RequestDurationByInstrumentType(req)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, d := range byType {
		total += d
	}
	return math.Ceil(total), nil
}

// RequestDurationByTAK keys a request's per instrument type durations by the semester
// containing its windows.
func (c *Calculator) RequestDurationByTAK(ctx context.Context, req models.Request) (map[models.TimeAllocationKey]float64, error) {
	byType, err := c.RequestDurationByInstrumentType(req)
	if err != nil {
		return nil, err
	}
	sem, err := c.semesters.SemesterIn(ctx, req.MinWindowTime(), req.MaxWindowTime())
	if err != nil {
		return nil, fmt.Errorf("semester for request %d: %w", req.ID, err)
	}
	out := make(map[models.TimeAllocationKey]float64, len(byType))
	for it, d := range byType {
		out[models.TimeAllocationKey{Semester: sem.ID, InstrumentType: it}] = d
	}
	return out, nil
}

// RequestGroupDurationByTAK sums every request's duration per time allocation key.
func (c *Calculator) RequestGroupDurationByTAK(ctx context.Context, group models.RequestGroup) (map[models.TimeAllocationKey]float64, error) {
	out := make(map[models.TimeAllocationKey]float64)
	for _, req := range group.Requests {
		byTAK, err := c.RequestDurationByTAK(ctx, req)
		if err != nil {
			return nil, err
		}
		for k, d := range byTAK {
			out[k] += d
		}
	}
	return out, nil
}

// TotalDurationByTAK is the time a group will charge per key given its operator: SINGLE
// is the plain sum, MANY and ONEOF take the longest request, AND sums each request
// rounded up to whole seconds.
func (c *Calculator) TotalDurationByTAK(ctx context.Context, group models.RequestGroup) (map[models.TimeAllocationKey]float64, error) {
	if group.Operator == models.OperatorSingle {
		return c.RequestGroupDurationByTAK(ctx, group)
	}
	perTAK := make(map[models.TimeAllocationKey][]float64)
	for _, req := range group.Requests {
		byTAK, err := c.RequestDurationByTAK(ctx, req)
		if err != nil {
			return nil, err
		}
		for k, d := range byTAK {
			perTAK[k] = append(perTAK[k], math.Ceil(d))
		}
	}
	out := make(map[models.TimeAllocationKey]float64, len(perTAK))
	for k, ds := range perTAK {
		switch group.Operator {
		case models.OperatorMany, models.OperatorOneOf:
			for _, d := range ds {
				out[k] = math.Max(out[k], d)
			}
		case models.OperatorAnd:
			for _, d := range ds {
				out[k] += d
			}
		}
	}
	return out, nil
}
