// Package pattern mines timestamped activity for recurring behavior.
// Patterns are statistical observations only: a surfaced pattern with
// a job proposal still requires an explicit consent call before
// anything is scheduled.
package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cairnlabs/cairn/internal/cron"
)

// Observation is one timestamped activity sample.
type Observation struct {
	Category string
	At       time.Time
}

// Pattern is a mined regularity with its supporting statistics.
type Pattern struct {
	Type              string    `json:"type"`
	Description       string    `json:"description"`
	Confidence        float64   `json:"confidence"`
	DataPoints        int       `json:"data_points"`
	FirstObserved     time.Time `json:"first_observed"`
	RecommendedAction string    `json:"recommended_action"`
	JobProposal       *cron.Job `json:"job_proposal,omitempty"`
}

// JobWriter is the consent-gated sink for approved proposals.
type JobWriter interface {
	Write(caller cron.Creator, j *cron.Job) error
}

// Config tunes mining.
type Config struct {
	// SurfaceThreshold is the minimum confidence for a pattern to be
	// reported at all. Default: 0.8.
	SurfaceThreshold float64

	// MinPoints is the minimum sample count per category. Default: 3.
	MinPoints int
}

// DefaultConfig returns the mining thresholds.
func DefaultConfig() Config {
	return Config{SurfaceThreshold: 0.8, MinPoints: 3}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SurfaceThreshold <= 0 {
		c.SurfaceThreshold = d.SurfaceThreshold
	}
	if c.MinPoints <= 0 {
		c.MinPoints = d.MinPoints
	}
}

// Engine mines observations and gates job proposals on consent.
type Engine struct {
	jobs   JobWriter
	logger *slog.Logger
	config Config
}

// New creates a pattern engine. jobs may be nil when approval is not
// wired (analysis still works).
func New(jobs JobWriter, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{jobs: jobs, logger: logger.With("component", "pattern"), config: cfg}
}

// SetJobs installs the job writer after construction. Used when the
// cron engine is built later in startup than the pattern engine.
func (e *Engine) SetJobs(jobs JobWriter) {
	e.jobs = jobs
}

// Analyze clusters observations per category by time of day and
// returns only patterns whose confidence clears the surfacing
// threshold, strongest first.
func (e *Engine) Analyze(identityID string, history []Observation) []Pattern {
	byCategory := make(map[string][]Observation)
	for _, o := range history {
		byCategory[o.Category] = append(byCategory[o.Category], o)
	}

	var patterns []Pattern
	for category, obs := range byCategory {
		if len(obs) < e.config.MinPoints {
			continue
		}
		p, ok := e.clusterTimeOfDay(identityID, category, obs)
		if !ok {
			continue
		}
		if p.Confidence < e.config.SurfaceThreshold {
			e.logger.Debug("pattern below threshold",
				"category", category, "confidence", p.Confidence, "points", p.DataPoints)
			continue
		}
		patterns = append(patterns, p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})
	return patterns
}

// clusterTimeOfDay computes the circular mean and spread of each
// observation's minute-of-day. Confidence grows with sample count and
// shrinks with spread.
func (e *Engine) clusterTimeOfDay(identityID, category string, obs []Observation) (Pattern, bool) {
	var sinSum, cosSum float64
	first := obs[0].At
	for _, o := range obs {
		if o.At.Before(first) {
			first = o.At
		}
		theta := minuteOfDay(o.At) / 1440 * 2 * math.Pi
		sinSum += math.Sin(theta)
		cosSum += math.Cos(theta)
	}

	n := float64(len(obs))
	r := math.Hypot(sinSum, cosSum) / n
	if r <= 0 {
		return Pattern{}, false
	}

	meanTheta := math.Atan2(sinSum/n, cosSum/n)
	meanMinute := math.Mod(meanTheta/(2*math.Pi)*1440+1440, 1440)

	// Circular standard deviation, converted back to minutes.
	spread := math.Sqrt(-2*math.Log(r)) / (2 * math.Pi) * 1440

	countFactor := math.Min(1, n/10)
	spreadFactor := math.Max(0, 1-spread/120)
	confidence := countFactor * spreadFactor

	hour := int(meanMinute) / 60
	minute := int(meanMinute) % 60
	p := Pattern{
		Type: category,
		Description: fmt.Sprintf("%s clusters around %02d:%02d (±%.0f min) across %d observations",
			category, hour, minute, spread, len(obs)),
		Confidence:        round2(confidence),
		DataPoints:        len(obs),
		FirstObserved:     first,
		RecommendedAction: "new_cron_job",
		JobProposal:       proposal(identityID, category, hour, minute),
	}
	return p, true
}

func proposal(identityID, category string, hour, minute int) *cron.Job {
	return &cron.Job{
		JobID:       fmt.Sprintf("pattern-%s-%s", identityID, category),
		IdentityID:  identityID,
		Name:        fmt.Sprintf("%s check-in", category),
		Description: fmt.Sprintf("proposed from observed %s pattern", category),
		Schedule: Schedule(hour, minute),
		Message:  fmt.Sprintf("It's around the user's usual %s time. Check in if useful.", category),
		Creator:  cron.CreatorAgent,
		Enabled:  true,
	}
}

// Schedule builds the recurring expression for a daily firing time.
func Schedule(hour, minute int) cron.Schedule {
	return cron.Schedule{
		Kind:       cron.ScheduleRecurring,
		Expression: fmt.Sprintf("%d %d * * *", minute, hour),
	}
}

// Approve is the consent step: the owning identity has confirmed the
// proposal, so it may now be written to the scheduler. The job goes
// in as agent-authored, which freezes its locked fields.
func (e *Engine) Approve(_ context.Context, identityID string, p Pattern) error {
	if p.JobProposal == nil {
		return fmt.Errorf("pattern %q carries no job proposal", p.Type)
	}
	if p.JobProposal.IdentityID != identityID {
		return fmt.Errorf("proposal belongs to a different identity")
	}
	if e.jobs == nil {
		return fmt.Errorf("no job writer configured")
	}

	if err := e.jobs.Write(cron.CreatorAgent, p.JobProposal); err != nil {
		return fmt.Errorf("write approved job: %w", err)
	}
	e.logger.Info("pattern proposal approved",
		"identity", identityID,
		"pattern", p.Type,
		"job", p.JobProposal.JobID,
	)
	return nil
}

func minuteOfDay(t time.Time) float64 {
	return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
