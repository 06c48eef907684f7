package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/schema"
	"github.com/duckask/duckask/internal/sqlguard"
)

const DefaultMaxAttempts = 3

type State string

const (
	StateIdle       State = "idle"
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StateAccepted   State = "accepted"
	StateRetrying   State = "retrying"
	StateExhausted  State = "exhausted"
)

// Transition is reported to the observer on every state change.
type Transition struct {
	From    State
	To      State
	Attempt int
	Failure *ValidationFailure
}

type FailureKind string

const (
	FailureNoSQL     FailureKind = "no_sql"
	FailureModel     FailureKind = "model"
	FailureExecution FailureKind = "execution"
)

// ValidationFailure is why one draft was not accepted. Every kind is
// retry-eligible.
type ValidationFailure struct {
	Kind    FailureKind
	Message string
	Names   []string
	// Hint is extra guidance for the corrective prompt.
	Hint string
	Err  error
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *ValidationFailure) Unwrap() error {
	return f.Err
}

// Attempt records one draft of a round.
type Attempt struct {
	Number   int
	Prompt   string
	Response string
	SQL      string
	Blocks   int
	Failure  *ValidationFailure
}

// SynthesisFailed ends a round whose attempts were all rejected.
type SynthesisFailed struct {
	LastSQL  string
	Reason   string
	Attempts []Attempt
}

func (e *SynthesisFailed) Error() string {
	return fmt.Sprintf("no valid query after %d attempts: %s", len(e.Attempts), e.Reason)
}

type Outcome struct {
	SQL      string
	Result   query.Result
	Attempts []Attempt
}

type SynthesizerOptions struct {
	MaxAttempts int
	RowLimit    int
	Logger      *slog.Logger
	Observer    func(Transition)
}

// Synthesizer drafts SQL with the model, validates it against the schema and
// hands accepted statements to the engine, retrying with corrective prompts.
type Synthesizer struct {
	model    Model
	engine   query.Engine
	schema   schema.Description
	catalog  sqlguard.Catalog
	hint     string
	opts     SynthesizerOptions
	logger   *slog.Logger
	observer func(Transition)
}

func NewSynthesizer(model Model, engine query.Engine, desc schema.Description, opts SynthesizerOptions) *Synthesizer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Synthesizer{
		model:    model,
		engine:   engine,
		schema:   desc,
		catalog:  sqlguard.Catalog(desc.Catalog()),
		hint:     catalogHint(desc),
		opts:     opts,
		logger:   logger,
		observer: opts.Observer,
	}
}

// Run drives one round to Accepted or Exhausted. A cancelled context stops it
// immediately with the context error.
func (s *Synthesizer) Run(ctx context.Context, prompt string) (Outcome, error) {
	attempts := make([]Attempt, 0, s.opts.MaxAttempts)
	state := StateIdle

	move := func(to State, attempt int, failure *ValidationFailure) {
		s.logger.Debug("synthesis transition", append(observability.RoundAttrs(ctx),
			slog.String("from", string(state)),
			slog.String("to", string(to)),
			slog.Int("attempt", attempt),
		)...)
		if s.observer != nil {
			s.observer(Transition{From: state, To: to, Attempt: attempt, Failure: failure})
		}
		state = to
	}
	reject := func(attempt Attempt, failure *ValidationFailure, outcome string) {
		attempt.Failure = failure
		attempts = append(attempts, attempt)
		observability.ObserveSynthesisAttempt(outcome)
		observability.ObserveValidationFailure(string(failure.Kind))
		s.logger.Info("draft rejected", append(observability.RoundAttrs(ctx),
			slog.Int("attempt", attempt.Number),
			slog.String("kind", string(failure.Kind)),
			slog.String("reason", failure.Message),
		)...)
		move(StateRetrying, attempt.Number, failure)
	}

	for number := 1; number <= s.opts.MaxAttempts; number++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		current := prompt
		if len(attempts) > 0 {
			current = CorrectionPrompt(prompt, attempts)
		}
		move(StateDrafting, number, nil)

		observability.ObservePromptTokens(CountTokens(current))
		start := time.Now()
		response, err := s.model.Complete(ctx, current)
		observability.ObserveModelLatency("synthesize", time.Since(start))
		attempt := Attempt{Number: number, Prompt: current, Response: response}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			reject(attempt, &ValidationFailure{Kind: FailureModel, Message: err.Error(), Err: err}, "model_error")
			continue
		}

		attempt.SQL, attempt.Blocks = ExtractSQL(response)
		if attempt.Blocks == 0 {
			reject(attempt, &ValidationFailure{Kind: FailureNoSQL, Message: "the answer did not contain a ```sql fenced block"}, "invalid")
			continue
		}
		if attempt.Blocks > 1 {
			s.logger.Warn("model returned several sql blocks, using the first", append(observability.RoundAttrs(ctx),
				slog.Int("attempt", number),
				slog.Int("blocks", attempt.Blocks),
			)...)
		}

		move(StateValidating, number, nil)
		if failure := s.validate(attempt.SQL); failure != nil {
			reject(attempt, failure, "invalid")
			continue
		}

		move(StateAccepted, number, nil)
		result, err := s.engine.Execute(ctx, query.Request{SQL: attempt.SQL, RowLimit: s.opts.RowLimit})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			var execErr *query.ExecutionError
			if !errors.As(err, &execErr) {
				return Outcome{}, err
			}
			reject(attempt, &ValidationFailure{Kind: FailureExecution, Message: execErr.Message, Hint: s.executionHint(execErr), Err: err}, "execution_error")
			continue
		}

		attempts = append(attempts, attempt)
		observability.ObserveSynthesisAttempt("accepted")
		return Outcome{SQL: attempt.SQL, Result: result, Attempts: attempts}, nil
	}

	move(StateExhausted, len(attempts), nil)
	failed := &SynthesisFailed{Attempts: attempts}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].SQL != "" && failed.LastSQL == "" {
			failed.LastSQL = attempts[i].SQL
		}
	}
	if n := len(attempts); n > 0 && attempts[n-1].Failure != nil {
		failed.Reason = attempts[n-1].Failure.Error()
	}
	return Outcome{Attempts: attempts}, failed
}

func (s *Synthesizer) validate(sqlText string) *ValidationFailure {
	if err := sqlguard.CheckReadOnly(sqlText); err != nil {
		return violationFailure(err, "")
	}
	if err := sqlguard.CheckReferences(sqlText, s.catalog); err != nil {
		return violationFailure(err, s.hint)
	}
	return nil
}

func violationFailure(err error, hint string) *ValidationFailure {
	var violation *sqlguard.Violation
	if errors.As(err, &violation) {
		failure := &ValidationFailure{Kind: FailureKind(violation.Kind), Message: violation.Error(), Names: violation.Names, Err: err}
		if violation.Kind == sqlguard.KindUnknownTable || violation.Kind == sqlguard.KindUnknownColumn {
			failure.Hint = hint
		}
		return failure
	}
	return &ValidationFailure{Kind: FailureKind(sqlguard.KindSyntax), Message: err.Error(), Err: err}
}

// executionHint adds the valid names when DuckDB could not bind one.
func (s *Synthesizer) executionHint(err *query.ExecutionError) string {
	message := strings.ToLower(err.Message)
	if strings.Contains(message, "not found") || strings.Contains(message, "does not exist") || strings.Contains(message, "binder error") {
		return s.hint
	}
	return ""
}

func catalogHint(desc schema.Description) string {
	if len(desc.Tables) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Valid tables and columns:")
	for _, table := range desc.Tables {
		names := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			names = append(names, column.Name)
		}
		fmt.Fprintf(&b, "\n- %s: %s", table.Name, strings.Join(names, ", "))
	}
	return b.String()
}
