// Package planner implements the Change-Set Planner (C4): given a
// task and its changed files, produces a deterministic, ordered Batch
// Plan that the Scheduler feeds to the Assistant Runner one batch at
// a time.
package planner

import (
	"github.com/revgate/revgate/internal/gitutil"
)

// Batch is one unit of assistant invocation: a subset of the task's
// changed files sharing a token budget.
type Batch struct {
	Files    []string
	Oversize bool
}

// Plan is the ordered list of batches for one task, plus the shared
// whole-repository context-map budget every batch is tagged with.
type Plan struct {
	Batches          []Batch
	ContextMapTokens int
}

// Options configures planning; zero values fall back to the spec's
// defaults (§4.4).
type Options struct {
	MaxTokensPerBatch int
	ContextMapTokens  int
	CharsPerToken     float64
}

func (o Options) withDefaults() Options {
	if o.MaxTokensPerBatch <= 0 {
		o.MaxTokensPerBatch = 100_000
	}
	if o.ContextMapTokens <= 0 {
		o.ContextMapTokens = 262_144
	}
	if o.CharsPerToken <= 0 {
		o.CharsPerToken = 3.5
	}
	return o
}

// tokenWeight estimates a file's token cost from its byte length,
// per the approximate heuristic §9 flags as an open question: bytes
// divided by a configurable chars-per-token ratio. Swapping in a real
// tokenizer later only touches this function.
func tokenWeight(byteLen int, charsPerToken float64) int {
	return int(float64(byteLen) / charsPerToken)
}

// Build produces a Batch Plan from files in change order. Every file
// appears in exactly one batch (round-trip invariant, §8); files
// exceeding max_tokens_per_batch alone get their own oversize batch.
// An empty changed-files list yields a zero-batch plan.
func Build(changed []gitutil.FileChange, byteLengths map[string]int, opts Options) Plan {
	opts = opts.withDefaults()
	plan := Plan{ContextMapTokens: opts.ContextMapTokens}
	if len(changed) == 0 {
		return plan
	}

	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			plan.Batches = append(plan.Batches, Batch{Files: current})
			current = nil
			currentTokens = 0
		}
	}

	for _, fc := range changed {
		weight := tokenWeight(byteLengths[fc.Path], opts.CharsPerToken)

		if weight > opts.MaxTokensPerBatch {
			flush()
			plan.Batches = append(plan.Batches, Batch{Files: []string{fc.Path}, Oversize: true})
			continue
		}

		if currentTokens > 0 && currentTokens+weight > opts.MaxTokensPerBatch {
			flush()
		}
		current = append(current, fc.Path)
		currentTokens += weight
	}
	flush()

	return plan
}

// Flatten returns every file across all batches in plan order, used
// to verify the round-trip invariant in §8 (planning then flattening
// yields the original file list in original order).
func (p Plan) Flatten() []string {
	var out []string
	for _, b := range p.Batches {
		out = append(out, b.Files...)
	}
	return out
}
