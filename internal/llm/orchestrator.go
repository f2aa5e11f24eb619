package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/tally/internal/model"
)

// State identifies where an orchestration run ended.
type State string

// Orchestration states. O* states end in the primary stage, G* states in the
// fallback stage.
const (
	StatePrimaryConsistent    State = "O1"
	StatePrimaryDisagreement  State = "O2"
	StatePrimaryPartial       State = "O3"
	StatePrimaryFailed        State = "O4"
	StateFallbackConsistent   State = "G1"
	StateFallbackDisagreement State = "G2"
	StateFallbackPartial      State = "G3"
	StateExhausted            State = "G4"
	// StateFallbackFailed is G4 with a provisional primary answer kept as
	// best effort.
	StateFallbackFailed       State = "G4p"
)

// Stage names used in call records.
const (
	StagePrimary  = "primary"
	StageFallback = "fallback"
)

const (
	defaultStageTimeout     = 20 * time.Second
	defaultConsistencyDelta = 0.15
	deltaEpsilon            = 1e-9
)

// Candidate is a model answer that passed validation.
type Candidate struct {
	Provider    string  `json:"provider"`
	Category    string  `json:"category"`
	Explanation string  `json:"explanation,omitempty"`
	Confidence  float64 `json:"confidence"`
	Temperature float64 `json:"temperature"`
}

// CallRecord describes one provider call.
type CallRecord struct {
	Provider    string        `json:"provider"`
	Stage       string        `json:"stage"`
	Category    string        `json:"category,omitempty"`
	Failure     string        `json:"failure,omitempty"`
	Temperature float64       `json:"temperature"`
	Confidence  float64       `json:"confidence,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Valid reports whether the call produced a candidate.
func (r CallRecord) Valid() bool {
	return r.Failure == ""
}

// Outcome is the result of one orchestration run.
type Outcome struct {
	// Candidate is nil only in G4 when no call ever produced a valid answer.
	Candidate *Candidate
	// SelfConsistent is nil when no stage had two valid answers to compare.
	SelfConsistent *bool
	// AgreementScore is nil unless both a primary and a fallback candidate exist.
	AgreementScore     *float64
	State              State
	Reliability        model.Reliability
	PrimaryProvider    string
	FallbackProvider   string
	RiskFlags          []string
	Calls              []CallRecord
	ValidationFailures int
	CrossModelUsed     bool
}

// Options tunes an Orchestrator.
type Options struct {
	Logger           *slog.Logger
	Categories       []string
	StageTimeout     time.Duration
	ConsistencyDelta float64
}

// Orchestrator asks a primary provider twice and, unless both answers agree,
// a fallback provider twice, then reconciles the answers.
type Orchestrator struct {
	primary          Client
	fallback         Client
	logger           *slog.Logger
	whitelist        whitelist
	categories       []string
	temperatures     [2]float64
	stageTimeout     time.Duration
	consistencyDelta float64
}

// NewOrchestrator creates an orchestrator over two providers.
func NewOrchestrator(primary, fallback Client, opts Options) (*Orchestrator, error) {
	if primary == nil || fallback == nil {
		return nil, fmt.Errorf("both primary and fallback providers are required")
	}
	if len(opts.Categories) == 0 {
		return nil, fmt.Errorf("category whitelist must not be empty")
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	if opts.ConsistencyDelta <= 0 {
		opts.ConsistencyDelta = defaultConsistencyDelta
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		primary:          primary,
		fallback:         fallback,
		logger:           logger,
		whitelist:        newWhitelist(opts.Categories),
		categories:       append([]string(nil), opts.Categories...),
		temperatures:     [2]float64{0.2, 0.3},
		stageTimeout:     opts.StageTimeout,
		consistencyDelta: opts.ConsistencyDelta,
	}, nil
}

// Classify runs the orchestration for a redacted description. It never
// fails; provider problems show up in the outcome's state and flags.
func (o *Orchestrator) Classify(ctx context.Context, description string) Outcome {
	prompt := BuildPrompt(description, o.categories)

	out := Outcome{
		PrimaryProvider:  o.primary.Name(),
		FallbackProvider: o.fallback.Name(),
	}

	primaryCalls := o.runStage(ctx, o.primary, StagePrimary, prompt)
	out.Calls = append(out.Calls, records(primaryCalls)...)

	var final stageOutcome
	switch s := o.evaluatePrimary(primaryCalls).(type) {
	case resolvedStage:
		final = s
	case fallbackStage:
		o.logger.Debug("primary stage unresolved, consulting fallback",
			"state", s.state, "provider", o.fallback.Name())
		out.CrossModelUsed = true
		fallbackCalls := o.runStage(ctx, o.fallback, StageFallback, prompt)
		out.Calls = append(out.Calls, records(fallbackCalls)...)
		final = o.evaluateFallback(fallbackCalls, s)
	default:
		final = exhaustedStage{}
	}

	switch s := final.(type) {
	case resolvedStage:
		c := s.candidate
		out.Candidate = &c
		out.State = s.state
		out.Reliability = s.reliability
		out.SelfConsistent = s.selfConsistent
		out.AgreementScore = s.agreement
		out.RiskFlags = s.flags
	case exhaustedStage:
		out.State = StateExhausted
		out.Reliability = model.ReliabilityLow
		out.RiskFlags = s.flags
	}

	out.RiskFlags = uniqueSorted(out.RiskFlags)
	for _, call := range out.Calls {
		if IsValidationFlag(call.Failure) {
			out.ValidationFailures++
		}
	}

	o.logger.Debug("orchestration finished",
		"state", out.State,
		"reliability", out.Reliability,
		"cross_model_used", out.CrossModelUsed,
		"flags", out.RiskFlags)
	return out
}

// stageOutcome is the sealed result of evaluating a stage.
type stageOutcome interface {
	isStageOutcome()
}

// resolvedStage carries a candidate that is returned to the caller.
type resolvedStage struct {
	selfConsistent *bool
	agreement      *float64
	state          State
	reliability    model.Reliability
	flags          []string
	candidate      Candidate
}

// fallbackStage hands the primary result over to the fallback provider.
type fallbackStage struct {
	provisional *Candidate
	state       State
	flags       []string
}

// exhaustedStage means no call produced a usable answer.
type exhaustedStage struct {
	flags []string
}

func (resolvedStage) isStageOutcome()  {}
func (fallbackStage) isStageOutcome()  {}
func (exhaustedStage) isStageOutcome() {}

type callResult struct {
	candidate *Candidate
	record    CallRecord
}

// runStage issues both calls of a stage concurrently under one timeout and
// waits for both before returning.
func (o *Orchestrator) runStage(ctx context.Context, client Client, stage, prompt string) [2]callResult {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	var results [2]callResult
	var wg sync.WaitGroup
	for i, temp := range o.temperatures {
		wg.Add(1)
		go func(i int, temp float64) {
			defer wg.Done()
			results[i] = o.call(stageCtx, client, stage, prompt, temp)
		}(i, temp)
	}
	wg.Wait()
	return results
}

type classifyReply struct {
	err  error
	resp ClassificationResponse
}

func (o *Orchestrator) call(ctx context.Context, client Client, stage, prompt string, temp float64) callResult {
	record := CallRecord{Provider: client.Name(), Stage: stage, Temperature: temp}
	start := time.Now()

	replies := make(chan classifyReply, 1)
	go func() {
		resp, err := client.Classify(ctx, prompt, temp)
		replies <- classifyReply{resp: resp, err: err}
	}()

	var reply classifyReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		reply = classifyReply{err: ctx.Err()}
	}
	record.Duration = time.Since(start)

	if reply.err != nil {
		record.Failure = failureFlag(reply.err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			record.Failure = FlagProviderTimeout
		}
		o.logger.Warn("provider call failed",
			"provider", record.Provider,
			"stage", stage,
			"failure", record.Failure,
			"error", reply.err)
		return callResult{record: record}
	}

	resp, flag := o.whitelist.validate(reply.resp)
	if flag != "" {
		record.Failure = flag
		record.Category = reply.resp.Category
		record.Confidence = reply.resp.Confidence
		o.logger.Warn("provider response rejected",
			"provider", record.Provider,
			"stage", stage,
			"failure", flag,
			"category", reply.resp.Category,
			"confidence", reply.resp.Confidence)
		return callResult{record: record}
	}

	record.Category = resp.Category
	record.Confidence = resp.Confidence
	return callResult{
		record: record,
		candidate: &Candidate{
			Provider:    record.Provider,
			Category:    resp.Category,
			Explanation: resp.Explanation,
			Confidence:  resp.Confidence,
			Temperature: temp,
		},
	}
}

func (o *Orchestrator) evaluatePrimary(calls [2]callResult) stageOutcome {
	flags := failureFlags(calls)
	valid := candidates(calls)

	switch len(valid) {
	case 2:
		best := higherConfidence(valid[0], valid[1])
		if o.consistent(valid[0], valid[1]) {
			return resolvedStage{
				state:          StatePrimaryConsistent,
				candidate:      *best,
				reliability:    model.ReliabilityHigh,
				selfConsistent: boolPtr(true),
				flags:          flags,
			}
		}
		flag := FlagHighConfidenceVariance
		if valid[0].Category != valid[1].Category {
			flag = FlagModelDisagreement
		}
		return fallbackStage{
			state:       StatePrimaryDisagreement,
			provisional: best,
			flags:       append(flags, flag),
		}
	case 1:
		return fallbackStage{
			state:       StatePrimaryPartial,
			provisional: valid[0],
			flags:       append(flags, PartialFlag(o.primary.Name())),
		}
	default:
		return fallbackStage{state: StatePrimaryFailed, flags: flags}
	}
}

func (o *Orchestrator) evaluateFallback(calls [2]callResult, prior fallbackStage) stageOutcome {
	flags := append(append([]string(nil), prior.flags...), failureFlags(calls)...)
	valid := candidates(calls)

	// A failed primary self-consistency check stays failed whatever the
	// fallback does.
	var selfConsistent *bool
	if prior.state == StatePrimaryDisagreement {
		selfConsistent = boolPtr(false)
	}

	compare := func(c *Candidate) *float64 {
		if prior.provisional == nil {
			return nil
		}
		if c.Category != prior.provisional.Category {
			flags = append(flags, FlagCrossModelDisagreement)
		}
		score := agreementScore(prior.provisional, c)
		return &score
	}

	switch len(valid) {
	case 2:
		best := higherConfidence(valid[0], valid[1])
		agreement := compare(best)
		if o.consistent(valid[0], valid[1]) {
			reliability := model.ReliabilityMedium
			if prior.state != StatePrimaryDisagreement && agreement != nil {
				reliability = reliabilityFromAgreement(*agreement)
			}
			if selfConsistent == nil {
				selfConsistent = boolPtr(true)
			}
			return resolvedStage{
				state:          StateFallbackConsistent,
				candidate:      *best,
				reliability:    reliability,
				selfConsistent: selfConsistent,
				agreement:      agreement,
				flags:          flags,
			}
		}
		return resolvedStage{
			state:          StateFallbackDisagreement,
			candidate:      *best,
			reliability:    model.ReliabilityLow,
			selfConsistent: boolPtr(false),
			agreement:      agreement,
			flags:          append(flags, FlagFallbackUnstable),
		}
	case 1:
		agreement := compare(valid[0])
		return resolvedStage{
			state:          StateFallbackPartial,
			candidate:      *valid[0],
			reliability:    model.ReliabilityLow,
			selfConsistent: selfConsistent,
			agreement:      agreement,
			flags:          append(flags, PartialFlag(o.fallback.Name())),
		}
	}

	if prior.provisional != nil {
		return resolvedStage{
			state:          StateFallbackFailed,
			candidate:      *prior.provisional,
			reliability:    model.ReliabilityLow,
			selfConsistent: selfConsistent,
			flags:          append(flags, FlagFallbackFailed),
		}
	}
	return exhaustedStage{flags: append(flags, FlagAllModelCallsFailed)}
}

// consistent reports whether two answers share a category and their
// confidences are within the configured delta.
func (o *Orchestrator) consistent(a, b *Candidate) bool {
	return a.Category == b.Category &&
		math.Abs(a.Confidence-b.Confidence) <= o.consistencyDelta+deltaEpsilon
}

// agreementScore is 1 for matching categories, 0 otherwise, scaled by how
// close the two confidences are.
func agreementScore(primary, fallback *Candidate) float64 {
	if primary.Category != fallback.Category {
		return 0
	}
	return 1 - math.Abs(primary.Confidence-fallback.Confidence)
}

func reliabilityFromAgreement(score float64) model.Reliability {
	switch {
	case score >= 0.8:
		return model.ReliabilityHigh
	case score >= 0.5:
		return model.ReliabilityMedium
	default:
		return model.ReliabilityLow
	}
}

// higherConfidence prefers the first call on ties.
func higherConfidence(a, b *Candidate) *Candidate {
	if b.Confidence > a.Confidence {
		return b
	}
	return a
}

func candidates(calls [2]callResult) []*Candidate {
	var out []*Candidate
	for _, c := range calls {
		if c.candidate != nil {
			out = append(out, c.candidate)
		}
	}
	return out
}

func failureFlags(calls [2]callResult) []string {
	var out []string
	for _, c := range calls {
		if c.record.Failure != "" {
			out = append(out, c.record.Failure)
		}
	}
	return out
}

func records(calls [2]callResult) []CallRecord {
	return []CallRecord{calls[0].record, calls[1].record}
}

func uniqueSorted(flags []string) []string {
	if len(flags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func boolPtr(b bool) *bool {
	return &b
}
