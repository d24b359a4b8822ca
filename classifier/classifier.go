// Package classifier picks the bit rate a bus is running at by listening at each candidate rate
// for a fixed window and scoring how periodic the decoded traffic looks.
package classifier

import (
	"context"
	"fmt"
	"log"
	"time"

	"canscope/drivers"
	"canscope/models"
	"canscope/store"

	"go.einride.tech/can"
)

// DefaultTrialCapacity bounds the identifiers tracked during one trial. Enough to tell traffic from
// noise, smaller than the live table.
const DefaultTrialCapacity = 64

type Verdict string

const (
	LikelyCorrect Verdict = "LIKELY CORRECT"
	Noise         Verdict = "Noise"
	Uncertain     Verdict = "Uncertain"
	NoData        Verdict = "NO DATA"
	InitFailed    Verdict = "INIT FAIL"
)

// Thresholds are empirical. A bus decoded at the wrong rate looks like many random identifiers
// that each show up about once.
type Thresholds struct {
	// MaxLikelyIDs and MinLikelyRepeat bound a LikelyCorrect verdict (ids <= max, repeat > min).
	MaxLikelyIDs    int
	MinLikelyRepeat float32
	// NoiseIDs is the identifier count above which a trial is Noise and its score is penalised.
	NoiseIDs     int
	NoisePenalty float32
	// MaxSampleIDs is the largest trial that still reports its identifiers.
	MaxSampleIDs int
}

var DefaultThresholds = Thresholds{
	MaxLikelyIDs:    20,
	MinLikelyRepeat: 10,
	NoiseIDs:        30,
	NoisePenalty:    0.1,
	MaxSampleIDs:    20,
}

type Sample struct {
	ID    uint32 `json:"id"`
	Count uint64 `json:"n"`
}

// Result is the outcome of one trial.
type Result struct {
	Rate          models.BitRate `json:"rate"`
	FrameCount    uint64         `json:"msgs"`
	UniqueIDCount int            `json:"ids"`
	ErrorCount    uint64         `json:"errors"`
	RepeatRate    float32        `json:"repeat"`
	ErrorRate     float32        `json:"errorRate"`
	Score         float32        `json:"score"`
	Verdict       Verdict        `json:"verdict"`
	Samples       []Sample       `json:"idList,omitempty"`
}

type Report struct {
	Results []Result `json:"results"`
	// Selected is zero when no rate scored above zero.
	Selected models.BitRate `json:"selected"`
	// ResetRequired is set once the source has been re-armed at Selected. The live table and log
	// describe the old rate and must be cleared.
	ResetRequired bool `json:"resetRequired"`
}

func (r Report) HasSelection() bool {
	return r.Selected != 0
}

type Classifier struct {
	Thresholds    Thresholds
	TrialCapacity int
	Clock         Clock
}

func New(trialCapacity int) *Classifier {
	if trialCapacity <= 0 {
		trialCapacity = DefaultTrialCapacity
	}
	return &Classifier{
		Thresholds:    DefaultThresholds,
		TrialCapacity: trialCapacity,
		Clock:         SystemClock,
	}
}

// Scan runs one trial per rate in order, then leaves source armed at the best rate, or at current
// when nothing scored. Trials never touch the live table or log.
//
// A cancelled ctx stops the scan, re-arms current and returns the results so far with ctx.Err().
func (c *Classifier) Scan(ctx context.Context, source drivers.Source, rates []models.BitRate, window time.Duration, current models.BitRate) (Report, error) {
	var report Report

	for _, rate := range rates {
		if err := ctx.Err(); err != nil {
			return report, c.restore(source, current, err)
		}

		result, err := c.trial(ctx, source, rate, window)
		if err != nil {
			return report, c.restore(source, current, err)
		}
		log.Printf("scan %s: %d frames, %d ids, repeat %.1f, errors %.1f%%, %s",
			rate, result.FrameCount, result.UniqueIDCount, result.RepeatRate, result.ErrorRate, result.Verdict)
		report.Results = append(report.Results, result)
	}

	report.Selected = selectRate(report.Results)
	if !report.HasSelection() {
		log.Printf("scan found no usable rate, staying at %s", current)
		return report, c.restore(source, current, nil)
	}

	if err := source.Configure(report.Selected); err != nil {
		selected := report.Selected
		report.Selected = 0
		return report, c.restore(source, current, fmt.Errorf("arm selected rate %s: %w", selected, err))
	}
	report.ResetRequired = true
	log.Printf("scan selected %s", report.Selected)
	return report, nil
}

func (c *Classifier) trial(ctx context.Context, source drivers.Source, rate models.BitRate, window time.Duration) (Result, error) {
	if err := source.Configure(rate); err != nil {
		log.Printf("scan %s: %v", rate, err)
		return Result{Rate: rate, Verdict: InitFailed}, nil
	}

	table := store.NewIdentifierTable(c.TrialCapacity)
	var frames, errs uint64

	err := RunTrial(ctx, c.Clock, c.Clock.Now().Add(window), source.Poll,
		func(frame can.Frame) {
			frames++
			// a full trial table still counts the frame
			_, _ = table.Record(frame.ID, frame.Data[:], int(frame.Length))
		},
		func(error) {
			errs++
		},
	)
	if err != nil {
		return Result{}, err
	}

	return c.Thresholds.Evaluate(rate, frames, errs, table.Summary()), nil
}

// Evaluate scores one trial from its counts and identifier records.
func (t Thresholds) Evaluate(rate models.BitRate, frames, errs uint64, records []store.IdentifierRecord) Result {
	result := Result{
		Rate:          rate,
		FrameCount:    frames,
		UniqueIDCount: len(records),
		ErrorCount:    errs,
	}

	if result.UniqueIDCount > 0 {
		result.RepeatRate = float32(frames) / float32(result.UniqueIDCount)
	}
	if total := frames + errs; total > 0 {
		result.ErrorRate = float32(errs) / float32(total) * 100
	}

	result.Score = result.RepeatRate
	if result.UniqueIDCount > t.NoiseIDs {
		result.Score *= t.NoisePenalty
	}

	switch {
	case frames == 0:
		result.Verdict = NoData
	case result.UniqueIDCount <= t.MaxLikelyIDs && result.RepeatRate > t.MinLikelyRepeat:
		result.Verdict = LikelyCorrect
	case result.UniqueIDCount > t.NoiseIDs:
		result.Verdict = Noise
	default:
		result.Verdict = Uncertain
	}

	if result.UniqueIDCount > 0 && result.UniqueIDCount <= t.MaxSampleIDs {
		result.Samples = make([]Sample, 0, len(records))
		for _, rec := range records {
			result.Samples = append(result.Samples, Sample{ID: rec.Identifier, Count: rec.Occurrences})
		}
	}
	return result
}

// selectRate returns the rate with the strictly highest score, the earliest on ties, or zero when
// nothing beats a zero score.
func selectRate(results []Result) models.BitRate {
	var (
		best      models.BitRate
		bestScore float32
	)
	for _, r := range results {
		if r.Score > bestScore {
			bestScore = r.Score
			best = r.Rate
		}
	}
	return best
}

// restore re-arms the rate that was live before the scan and returns cause, or the restore failure
// when there is no other cause.
func (c *Classifier) restore(source drivers.Source, current models.BitRate, cause error) error {
	if current == 0 {
		return cause
	}
	if err := source.Configure(current); err != nil {
		log.Printf("couldn't restore %s after scan: %v", current, err)
		if cause == nil {
			return err
		}
	}
	return cause
}
