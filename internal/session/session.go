// Package session runs question rounds against one loaded dataset and keeps
// the conversation transcript that follow-up questions are answered from.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/schema"
)

var ErrEmptyQuestion = errors.New("question is empty")

// Turn is one resolved round in the transcript. Turns are never modified
// after they are appended.
type Turn struct {
	ID       string    `json:"id"`
	Question string    `json:"question"`
	SQL      string    `json:"sql,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Analysis string    `json:"analysis,omitempty"`
	Failure  string    `json:"failure,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

func (t Turn) Failed() bool {
	return t.Failure != ""
}

// Round is what a single Ask produced, for presentation. Exactly one of
// Result (with SQL) and Failure is meaningful.
type Round struct {
	ID       string
	Question string
	SQL      string
	Result   query.Result
	Analysis *nl2sql.Analysis
	Failure  *nl2sql.SynthesisFailed
	Attempts []nl2sql.Attempt
}

type Options struct {
	// Interactive feeds earlier turns into later prompts.
	Interactive bool
	Analyze     bool
	MaxAttempts int
	RowLimit    int
	Logger      *slog.Logger
	Observer    func(nl2sql.Transition)
	Now         func() time.Time
}

// Manager owns the session state: the schema and the transcript. Ask calls
// are serialised.
type Manager struct {
	id          string
	schema      schema.Description
	synthesizer *nl2sql.Synthesizer
	analyzer    *nl2sql.Analyzer
	interactive bool
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	analyze bool
	turns   []Turn
}

func NewManager(desc schema.Description, model nl2sql.Model, engine query.Engine, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		id:     uuid.NewString(),
		schema: desc,
		synthesizer: nl2sql.NewSynthesizer(model, engine, desc, nl2sql.SynthesizerOptions{
			MaxAttempts: opts.MaxAttempts,
			RowLimit:    opts.RowLimit,
			Logger:      logger,
			Observer:    opts.Observer,
		}),
		analyzer:    nl2sql.NewAnalyzer(model, logger),
		interactive: opts.Interactive,
		logger:      logger,
		now:         now,
		analyze:     opts.Analyze,
	}
}

func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) Schema() schema.Description {
	return m.schema
}

// Ask answers one question. A round that exhausts its attempts is recorded
// and returned with Failure set and a nil error. A cancelled round records
// nothing and returns the context error.
func (m *Manager) Ask(ctx context.Context, question string) (Round, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Round{}, ErrEmptyQuestion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	round := Round{ID: uuid.NewString(), Question: question}
	ctx = observability.ContextWithSessionID(ctx, m.id)
	ctx = observability.ContextWithRoundID(ctx, round.ID)
	started := time.Now()

	input := nl2sql.PromptInput{
		Schema:          m.schema,
		Question:        question,
		IncludeAnalysis: m.analyze,
	}
	if m.interactive {
		input.History = priorTurns(m.turns)
	}
	m.logger.Info("round started", append(observability.RoundAttrs(ctx), slog.Int("history", len(input.History)))...)

	outcome, err := m.synthesizer.Run(ctx, nl2sql.BuildPrompt(input))
	round.Attempts = outcome.Attempts
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.ObserveRound("cancelled")
			m.logger.Info("round cancelled", observability.RoundAttrs(ctx)...)
			return Round{}, ctxErr
		}
		var failed *nl2sql.SynthesisFailed
		if !errors.As(err, &failed) {
			observability.ObserveRound("error")
			return Round{}, fmt.Errorf("synthesize sql: %w", err)
		}
		round.Failure = failed
		m.append(Turn{
			ID:       round.ID,
			Question: question,
			Failure:  failed.Reason,
			Attempts: len(failed.Attempts),
		})
		observability.ObserveRound("failed")
		m.logger.Warn("round failed", append(observability.RoundAttrs(ctx),
			slog.Int("attempts", len(failed.Attempts)),
			slog.String("reason", failed.Reason),
		)...)
		return round, nil
	}

	round.SQL = outcome.SQL
	round.Result = outcome.Result
	turn := Turn{
		ID:       round.ID,
		Question: question,
		SQL:      outcome.SQL,
		Summary:  nl2sql.SummarizeResult(outcome.Result),
		Attempts: len(outcome.Attempts),
	}
	if m.analyze {
		analysis := m.analyzer.Analyze(ctx, question, outcome.SQL, outcome.Result)
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.ObserveRound("cancelled")
			return Round{}, ctxErr
		}
		round.Analysis = &analysis
		turn.Analysis = analysis.Text
	}
	m.append(turn)

	observability.ObserveRound("answered")
	m.logger.Info("round answered", append(observability.RoundAttrs(ctx),
		slog.Int("attempts", len(outcome.Attempts)),
		slog.Int("rows", len(outcome.Result.Rows)),
		slog.Bool("truncated", outcome.Result.Truncated),
		slog.Duration("elapsed", time.Since(started)),
	)...)
	return round, nil
}

func (m *Manager) append(turn Turn) {
	turn.At = m.now().UTC()
	m.turns = append(m.turns, turn)
}

// Transcript returns a copy of the turns so far, oldest first.
func (m *Manager) Transcript() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// LastSQL returns the SQL of the most recent answered turn.
func (m *Manager) LastSQL() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].SQL != "" {
			return m.turns[i].SQL, true
		}
	}
	return "", false
}

func (m *Manager) SetAnalyze(enabled bool) {
	m.mu.Lock()
	m.analyze = enabled
	m.mu.Unlock()
}

func (m *Manager) Analyze() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyze
}

func priorTurns(turns []Turn) []nl2sql.PriorTurn {
	out := make([]nl2sql.PriorTurn, 0, len(turns))
	for _, turn := range turns {
		out = append(out, nl2sql.PriorTurn{
			Question: turn.Question,
			SQL:      turn.SQL,
			Summary:  turn.Summary,
			Analysis: turn.Analysis,
			Failure:  turn.Failure,
		})
	}
	return out
}
