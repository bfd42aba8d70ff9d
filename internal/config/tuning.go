package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// Tuning holds the numeric constants the planner, evaluator and dispatcher
// read on every decision.
type Tuning struct {
	ResponseRates          map[int]float64    `yaml:"response_rates"`
	GroupBiddingBoost      float64            `yaml:"group_bidding_boost"`
	MaxResponseRate        float64            `yaml:"max_response_rate"`
	SafetyFactors          map[string]float64 `yaml:"safety_factors"`
	CheckInFractions       []float64          `yaml:"check_in_fractions"`
	MinCheckInTimeline     time.Duration      `yaml:"min_check_in_timeline"`
	OnTrackTolerance       float64            `yaml:"on_track_tolerance"`
	LateEscalationFraction float64            `yaml:"late_escalation_fraction"`
	MaxEscalationContacts  int                `yaml:"max_escalation_contacts"`

	ChannelConcurrency int           `yaml:"channel_concurrency"`
	QueueCap           int           `yaml:"queue_cap"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout"`
	MaxSendRetries     int           `yaml:"max_send_retries"`
	RetryMinBackoff    time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff    time.Duration `yaml:"retry_max_backoff"`

	DedupWindow        time.Duration `yaml:"dedup_window"`
	ClaimLease         time.Duration `yaml:"claim_lease"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
}

func DefaultTuning() Tuning {
	return Tuning{
		ResponseRates: map[int]float64{
			model.TierInternal:     0.90,
			model.TierPriorContact: 0.50,
			model.TierCold:         0.33,
		},
		GroupBiddingBoost: 1.20,
		MaxResponseRate:   0.95,
		SafetyFactors: map[string]float64{
			model.UrgencyEmergency:    1.8,
			model.UrgencyUrgent:       1.5,
			model.UrgencyStandard:     1.3,
			model.UrgencyGroupBidding: 1.25,
			model.UrgencyFlexible:     1.2,
		},
		CheckInFractions:       []float64{0.25, 0.50, 0.75},
		MinCheckInTimeline:     15 * time.Minute,
		OnTrackTolerance:       0.75,
		LateEscalationFraction: 0.10,
		MaxEscalationContacts:  25,

		ChannelConcurrency: 8,
		QueueCap:           64,
		DispatchTimeout:    15 * time.Second,
		DiscoveryTimeout:   10 * time.Second,
		MaxSendRetries:     3,
		RetryMinBackoff:    time.Second,
		RetryMaxBackoff:    30 * time.Second,

		DedupWindow:        60 * time.Second,
		ClaimLease:         60 * time.Second,
		MaxConflictRetries: 5,
	}
}

func (t Tuning) Rate(tier int) float64 {
	return t.ResponseRates[tier]
}

func (t Tuning) SafetyFactor(urgency string) float64 {
	if f, ok := t.SafetyFactors[urgency]; ok {
		return f
	}
	return t.SafetyFactors[model.UrgencyStandard]
}

func (t Tuning) Validate() error {
	for _, tier := range model.Tiers {
		r, ok := t.ResponseRates[tier]
		if !ok || r <= 0 || r > 1 {
			return fmt.Errorf("tuning: response rate for tier %d must be in (0,1], got %v", tier, r)
		}
	}
	if t.GroupBiddingBoost < 1 {
		return fmt.Errorf("tuning: group_bidding_boost must be >= 1")
	}
	if t.MaxResponseRate <= 0 || t.MaxResponseRate > 1 {
		return fmt.Errorf("tuning: max_response_rate must be in (0,1]")
	}
	for _, u := range []string{model.UrgencyEmergency, model.UrgencyUrgent, model.UrgencyStandard, model.UrgencyGroupBidding, model.UrgencyFlexible} {
		if t.SafetyFactors[u] < 1 {
			return fmt.Errorf("tuning: safety factor for %s must be >= 1", u)
		}
	}
	prev := 0.0
	for _, f := range t.CheckInFractions {
		if f <= prev || f >= 1 {
			return fmt.Errorf("tuning: check_in_fractions must be strictly increasing within (0,1)")
		}
		prev = f
	}
	if t.ChannelConcurrency < 1 || t.QueueCap < 0 {
		return fmt.Errorf("tuning: channel_concurrency must be >= 1 and queue_cap >= 0")
	}
	if t.MaxSendRetries < 0 || t.MaxConflictRetries < 1 {
		return fmt.Errorf("tuning: retry budgets out of range")
	}
	if t.RetryMinBackoff <= 0 || t.RetryMaxBackoff < t.RetryMinBackoff {
		return fmt.Errorf("tuning: retry backoff bounds out of range")
	}
	if t.DispatchTimeout <= 0 || t.DiscoveryTimeout <= 0 || t.ClaimLease <= 0 || t.DedupWindow <= 0 {
		return fmt.Errorf("tuning: timeouts must be positive")
	}
	return nil
}

// LoadTuning overlays the YAML file at path on the defaults. An empty path
// yields the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("tuning: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("tuning: parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Holder publishes the current Tuning to concurrent readers and swaps it
// on an explicit Reload.
type Holder struct {
	path    string
	current atomic.Pointer[Tuning]
	mu      sync.Mutex
}

func NewHolder(path string) (*Holder, error) {
	t, err := LoadTuning(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path}
	h.current.Store(&t)
	return h, nil
}

// StaticHolder wraps a fixed Tuning, mostly for tests.
func StaticHolder(t Tuning) *Holder {
	h := &Holder{}
	h.current.Store(&t)
	return h
}

func (h *Holder) Get() Tuning {
	return *h.current.Load()
}

// Reload re-reads the tuning file. The previous value stays in effect when
// the file is invalid.
func (h *Holder) Reload() (Tuning, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, err := LoadTuning(h.path)
	if err != nil {
		return h.Get(), err
	}
	h.current.Store(&t)
	return t, nil
}
