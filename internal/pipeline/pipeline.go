// Package pipeline drives the ordered application of focusing lenses over
// one document. Lenses run strictly in sequence: each lens's output markup
// is the next lens's input. Every lens-level problem is recorded and skipped
// past; only a structurally invalid document fails the whole call.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/config"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/executor"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/fhir"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/lens"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/logging"
)

// Result is what a pipeline run returns: the mutated document and one error
// list per input lens, in input order. An empty list at position i means
// lens i succeeded.
type Result struct {
	Document       fhir.Resource
	FocusingErrors [][]lens.FocusingError
}

// Orchestrator applies lenses in sequence. A single orchestrator is safe for
// concurrent ApplyLenses calls on distinct documents; the isolate cap is
// shared across them.
type Orchestrator struct {
	cfg  config.Config
	exec *executor.Executor
	sink logging.Sink
}

// New builds an orchestrator. A nil sink falls back to the process default.
func New(cfg config.Config, sink logging.Sink) *Orchestrator {
	if sink == nil {
		sink = logging.Default()
	}
	return &Orchestrator{
		cfg:  cfg,
		exec: executor.New(sink, cfg.MaxConcurrentIsolates),
		sink: sink,
	}
}

// ApplyLenses personalizes doc in place by running every lens over its
// flattened leaflet narrative, against the supplied patient context.
//
// The only fatal condition is a document without a locatable Composition
// root. Everything a lens can get wrong — undecodable payload, empty source,
// runtime failure, timeout, crash, unrecognizable output — is recorded as a
// FocusingError for that lens and the run continues, unless the
// configuration asks for fail-fast.
func (o *Orchestrator) ApplyLenses(ctx context.Context, doc fhir.Resource, patientContext map[string]interface{}, lenses []lens.Definition) (*Result, error) {
	root, err := fhir.LocateRoot(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	run := uuid.NewString()
	sections := fhir.ExtractSections(root)
	if len(lenses) > 0 {
		fhir.SetEnhancedMarker(root)
	}

	result := &Result{
		Document:       doc,
		FocusingErrors: make([][]lens.FocusingError, 0, len(lenses)),
	}

	o.logf(logging.LevelInfo, "", "run %s: applying %d lenses", run, len(lenses))

	for _, def := range lenses {
		name := lens.Identifier(def)
		errs := o.applyOne(ctx, run, root, doc, patientContext, def, name, &sections)

		if errs == nil {
			errs = []lens.FocusingError{}
		}
		result.FocusingErrors = append(result.FocusingErrors, errs)

		if len(errs) > 0 && o.cfg.FailFast {
			o.logf(logging.LevelWarn, name, "run %s: stopping early after failure", run)
			break
		}
	}

	fhir.WriteSections(root, sections)
	return result, nil
}

// applyOne runs a single lens and advances *sections on success. It returns
// the lens's error list; nil means the lens applied cleanly.
func (o *Orchestrator) applyOne(ctx context.Context, run string, root, doc fhir.Resource, patientContext map[string]interface{}, def lens.Definition, name string, sections *[]fhir.Section) []lens.FocusingError {
	src, ok := lens.Decode(def)
	if !ok {
		o.logf(logging.LevelError, name, "run %s: undecodable lens payload", run)
		return []lens.FocusingError{{Lens: name, Message: "undecodable lens payload"}}
	}
	if len(*sections) == 0 {
		o.logf(logging.LevelError, name, "run %s: no sections found", run)
		return []lens.FocusingError{{Lens: name, Message: "no sections found"}}
	}
	if strings.TrimSpace(src) == "" {
		o.logf(logging.LevelError, name, "run %s: empty lens", run)
		return []lens.FocusingError{{Lens: name, Message: "empty lens"}}
	}

	markup := fhir.Flatten(*sections)
	out := o.exec.Run(ctx, lens.Job{
		Lens:           name,
		Source:         src,
		Document:       doc,
		PatientContext: patientContext,
		Markup:         markup,
	}, o.cfg.ExecutionTimeout)

	if !out.OK() {
		o.logf(logging.LevelError, name, "run %s: lens %s: %s", run, out.State, out.Message)
		return []lens.FocusingError{{Lens: name, Message: out.Message}}
	}

	next := fhir.Reconcile(out.Markup, *sections)
	if len(next) == 0 && strings.TrimSpace(out.Markup) != "" {
		// Keep the previous content rather than discarding it over
		// unrecognizable output.
		o.logf(logging.LevelWarn, name, "run %s: lens output yielded no sections, keeping previous content", run)
	} else {
		*sections = next
	}

	explanation := out.Explanation
	if explanation == "" {
		explanation = defaultExplanation(fhir.Language(root))
	}
	fhir.AppendAppliedLens(root, name, explanation)

	o.logf(logging.LevelInfo, name, "run %s: lens applied", run)
	return nil
}

func (o *Orchestrator) logf(level logging.Level, lensName, format string, args ...interface{}) {
	o.sink.Log(level, logging.SourcePipeline, lensName, fmt.Sprintf(format, args...))
}

// ApplyLenses is the package-level convenience over a one-shot orchestrator
// with the process-default sink.
func ApplyLenses(ctx context.Context, doc fhir.Resource, patientContext map[string]interface{}, lenses []lens.Definition, cfg config.Config) (*Result, error) {
	return New(cfg, nil).ApplyLenses(ctx, doc, patientContext, lenses)
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() config.Config {
	return config.Default()
}
