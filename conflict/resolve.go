package conflict

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/outreach-health/fieldsync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type MergeOp string

const (
	MergeConcat MergeOp = "concat"
	MergeMax    MergeOp = "max"
	MergeMin    MergeOp = "min"
	MergeNewer  MergeOp = "newer"
)

// Rule binds a strategy to the conflict types it may handle, plus any
// per-field configuration the strategy needs.
type Rule struct {
	Strategy  Strategy
	AppliesTo []Type
	// For field_priority: field path -> "local" or "remote". Clinical fields
	// typically prefer the clinician-entered device side.
	FieldSources map[string]string
	// For merge: per-field combine operators, applied when both sides carry
	// a value for the field.
	MergeOps map[string]MergeOp
}

func (r Rule) applies(t Type) bool {
	for _, at := range r.AppliesTo {
		if at == t {
			return true
		}
	}
	return false
}

// Config for the resolver pipeline. Rules are evaluated in order; the first
// applicable rule that produces an outcome wins.
type Config struct {
	Rules []Rule
	// Auto-resolutions scoring below this are forced to escalated
	// regardless of strategy outcome.
	ConfidenceThreshold float64
	// A conflict whose resolution repeatedly fails to apply escalates to
	// manual after this many attempts.
	MaxApplyFailures int
	// How long a resolved version pair is remembered for dedup. The durable
	// conflict log enforces the same invariant across restarts.
	DedupTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{Strategy: StrategyMerge, AppliesTo: []Type{TypeFieldMismatch}},
			{Strategy: StrategyLastWriteWins, AppliesTo: []Type{TypeConcurrentUpdate}},
			{Strategy: StrategyManual, AppliesTo: []Type{TypeConcurrentUpdate, TypeFieldMismatch, TypeSchema, TypeTimestampSkew}},
		},
		ConfidenceThreshold: 0.75,
		MaxApplyFailures:    3,
		DedupTTL:            24 * time.Hour,
	}
}

// Options tweak resolution per session. Emergency sessions force
// auto-resolution where normal policy would escalate.
type Options struct {
	ForceAuto     bool
	EmergencyType string
}

type Resolver struct {
	cfg  Config
	seen *ttlcache.Cache[string, string]
}

func NewResolver(cfg Config) *Resolver {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultConfig().Rules
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	if cfg.MaxApplyFailures == 0 {
		cfg.MaxApplyFailures = DefaultConfig().MaxApplyFailures
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	seen := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](cfg.DedupTTL),
	)
	go seen.Start()
	return &Resolver{cfg: cfg, seen: seen}
}

func (r *Resolver) Stop() {
	r.seen.Stop()
}

// AlreadyResolved reports whether this exact version pair has been resolved
// before. Re-detection during later replication must not duplicate it.
func (r *Resolver) AlreadyResolved(key string) bool {
	return r.seen.Get(key) != nil
}

// MarkApplied remembers a resolved version pair after its resolution was
// successfully applied downstream.
func (r *Resolver) MarkApplied(c *Conflict) {
	r.seen.Set(c.VersionPairKey(), c.ID, ttlcache.DefaultTTL)
}

// Resolve runs the strategy pipeline over a pending conflict, mutating it to
// resolved or escalated. Already-resolved conflicts are left untouched:
// resolution is idempotent.
func (r *Resolver) Resolve(c *Conflict, opts Options) {
	if c.Status != StatusPending {
		return
	}
	for _, rule := range r.cfg.Rules {
		if !rule.applies(c.Type) {
			continue
		}
		if rule.Strategy == StrategyManual {
			r.escalate(c, opts, StrategyManual, "manual strategy is terminal")
			return
		}
		resolved, confidence, ok := r.apply(rule, c)
		if !ok {
			continue
		}
		if confidence < r.cfg.ConfidenceThreshold {
			r.escalate(c, opts, rule.Strategy,
				fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, r.cfg.ConfidenceThreshold))
			return
		}
		c.Strategy = rule.Strategy
		c.Resolved = resolved
		c.Confidence = confidence
		c.Status = StatusResolved
		c.ResolvedBy = "system"
		c.ResolvedAt = time.Now()
		return
	}
	r.escalate(c, opts, StrategyManual, "no applicable strategy")
}

// escalate parks the conflict for a human, unless the session is running
// under the emergency override, in which case we trade consistency rigor for
// availability: prefer the server-held version and record the deviation.
func (r *Resolver) escalate(c *Conflict, opts Options, strategy Strategy, reason string) {
	if !opts.ForceAuto {
		c.Strategy = strategy
		c.Status = StatusEscalated
		c.AddAudit("escalated: " + reason)
		return
	}
	resolved := c.Remote
	c.Strategy = strategy
	c.Resolved = &resolved
	c.Confidence = 0.5
	c.Status = StatusResolved
	c.ResolvedBy = "system"
	c.ResolvedAt = time.Now()
	c.AddAudit(fmt.Sprintf("auto-resolved under emergency override (%s); normal policy would escalate: %s",
		opts.EmergencyType, reason))
}

// ResolveManually applies a human decision from the escalation path.
func (r *Resolver) ResolveManually(c *Conflict, resolvedData json.RawMessage, userID string) error {
	if c.Status == StatusResolved {
		return internal.Validationf("conflict %s is already resolved", c.ID)
	}
	if userID == "" {
		return internal.Validationf("manual resolution requires a user ID")
	}
	if len(resolvedData) == 0 || !gjson.ValidBytes(resolvedData) {
		return internal.Validationf("manual resolution requires valid resolved data")
	}
	ts := c.Remote.ServerTS
	if c.Local.ServerTS.After(ts) {
		ts = c.Local.ServerTS
	}
	c.Strategy = StrategyManual
	c.Resolved = &Version{
		Data:     resolvedData,
		Token:    c.Remote.Token,
		Checksum: Checksum(resolvedData),
		ServerTS: ts,
		Editor:   userID,
	}
	c.Confidence = 1.0
	c.Status = StatusResolved
	c.ResolvedBy = userID
	c.ResolvedAt = time.Now()
	c.AddAudit("resolved manually by " + userID)
	return nil
}

// ApplyFailed reverts a resolved conflict whose resolution was rejected
// downstream. It is retried on the next session; repeated failure beyond the
// cap escalates to manual regardless of strategy.
func (r *Resolver) ApplyFailed(c *Conflict, cause error) {
	c.ApplyFailures++
	c.AddAudit(fmt.Sprintf("resolution apply failed (attempt %d): %s", c.ApplyFailures, cause))
	if c.ApplyFailures >= r.cfg.MaxApplyFailures {
		c.Status = StatusEscalated
		c.AddAudit("escalated: resolution apply failure cap reached")
		return
	}
	c.Status = StatusPending
	c.Resolved = nil
	c.ResolvedAt = time.Time{}
	c.ResolvedBy = ""
}

func (r *Resolver) apply(rule Rule, c *Conflict) (*Version, float64, bool) {
	switch rule.Strategy {
	case StrategyLastWriteWins:
		return lastWriteWins(c)
	case StrategyFieldPriority:
		return fieldPriority(rule, c)
	case StrategyMerge:
		return merge(rule, c)
	}
	return nil, 0, false
}

// lastWriteWins compares server-observed timestamps only. Device clocks are
// never consulted: under clock skew they produce false winners.
func lastWriteWins(c *Conflict) (*Version, float64, bool) {
	if c.Local.ServerTS.IsZero() || c.Remote.ServerTS.IsZero() {
		return nil, 0, false
	}
	winner := c.Remote
	if c.Local.ServerTS.After(c.Remote.ServerTS) {
		winner = c.Local
	}
	gap := c.Remote.ServerTS.Sub(c.Local.ServerTS)
	if gap < 0 {
		gap = -gap
	}
	// Writes landing within a couple of seconds of each other are too close
	// to call with confidence.
	confidence := 0.9
	if gap < 2*time.Second {
		confidence = 0.6
	}
	resolved := winner
	return &resolved, confidence, true
}

// fieldPriority builds the resolved version by choosing each conflicting
// field from its configured preferred side. Applicable only when every
// conflicting field has a preference.
func fieldPriority(rule Rule, c *Conflict) (*Version, float64, bool) {
	if len(rule.FieldSources) == 0 {
		return nil, 0, false
	}
	for _, f := range c.Fields {
		if _, ok := rule.FieldSources[f]; !ok {
			return nil, 0, false
		}
	}
	data := append([]byte{}, c.Remote.Data...)
	var err error
	for _, f := range c.Fields {
		if rule.FieldSources[f] != "local" {
			continue
		}
		v := gjson.GetBytes(c.Local.Data, f)
		if !v.Exists() {
			data, err = sjson.DeleteBytes(data, f)
		} else {
			data, err = sjson.SetRawBytes(data, f, []byte(v.Raw))
		}
		if err != nil {
			logger.Warn().Err(err).Str("field", f).Msg("field_priority: failed to set field")
			return nil, 0, false
		}
	}
	return resolvedVersion(c, data), 0.85, true
}

// merge combines disjoint edits from both sides on top of the common
// ancestor, lossless by construction. Declared per-field operators handle
// fields where both sides carry a value.
func merge(rule Rule, c *Conflict) (*Version, float64, bool) {
	if c.Type != TypeFieldMismatch || len(c.Base.Data) == 0 {
		return nil, 0, false
	}
	data := append([]byte{}, c.Base.Data...)
	var err error
	for _, f := range c.Fields {
		localVal := gjson.GetBytes(c.Local.Data, f)
		remoteVal := gjson.GetBytes(c.Remote.Data, f)
		baseVal := gjson.GetBytes(c.Base.Data, f)

		var raw string
		if op, ok := rule.MergeOps[f]; ok && localVal.Exists() && remoteVal.Exists() {
			raw = combine(op, c, localVal, remoteVal)
		} else if localVal.Raw != baseVal.Raw && localVal.Exists() {
			raw = localVal.Raw
		} else if remoteVal.Exists() {
			raw = remoteVal.Raw
		}
		if raw == "" {
			data, err = sjson.DeleteBytes(data, f)
		} else {
			data, err = sjson.SetRawBytes(data, f, []byte(raw))
		}
		if err != nil {
			logger.Warn().Err(err).Str("field", f).Msg("merge: failed to set field")
			return nil, 0, false
		}
	}
	return resolvedVersion(c, data), 0.95, true
}

func combine(op MergeOp, c *Conflict, local, remote gjson.Result) string {
	switch op {
	case MergeConcat:
		if local.IsArray() && remote.IsArray() {
			merged := append([]byte{}, []byte(`[]`)...)
			for _, arr := range []gjson.Result{remote, local} {
				for _, el := range arr.Array() {
					merged, _ = sjson.SetRawBytes(merged, "-1", []byte(el.Raw))
				}
			}
			return string(merged)
		}
		b, _ := json.Marshal(remote.String() + " " + local.String())
		return string(b)
	case MergeMax:
		if local.Float() > remote.Float() {
			return local.Raw
		}
		return remote.Raw
	case MergeMin:
		if local.Float() < remote.Float() {
			return local.Raw
		}
		return remote.Raw
	case MergeNewer:
		if c.Local.ServerTS.After(c.Remote.ServerTS) {
			return local.Raw
		}
		return remote.Raw
	}
	return remote.Raw
}

func resolvedVersion(c *Conflict, data []byte) *Version {
	ts := c.Remote.ServerTS
	if c.Local.ServerTS.After(ts) {
		ts = c.Local.ServerTS
	}
	return &Version{
		Data:     data,
		Token:    c.Remote.Token,
		Checksum: Checksum(data),
		ServerTS: ts,
		Editor:   "system",
	}
}
