// Package result reports the outcome of a run: as a JSON document when an
// output path is given, as annotator lines on the step log otherwise.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/mausys/gclient/internal/depsync"
	"github.com/mausys/gclient/internal/gotrevision"
	"github.com/mausys/gclient/internal/revision"
)

// LogLine is a named block of log output, e.g. {"patch error", <output>}.
type LogLine [2]string

// Result is the output document. Fields are declared in alphabetical order so
// the document is written with sorted keys.
type Result struct {
	DidRun               bool                   `json:"did_run"`
	FixedRevisions       revision.Map           `json:"fixed_revisions,omitempty"`
	LogLines             []LogLine              `json:"log_lines,omitempty"`
	Manifest             depsync.Manifest       `json:"manifest,omitempty"`
	PatchApplyReturnCode *int                   `json:"patch_apply_return_code,omitempty"`
	PatchFailure         bool                   `json:"patch_failure,omitempty"`
	PatchPhase           string                 `json:"patch_phase,omitempty"`
	PatchRoot            string                 `json:"patch_root,omitempty"`
	Properties           gotrevision.Properties `json:"properties,omitempty"`
	Root                 string                 `json:"root,omitempty"`
	StepText             string                 `json:"step_text,omitempty"`
}

type Emitter struct {
	path string
	out  io.Writer
}

// NewEmitter writes results to path. With an empty path results are printed
// to out as annotator lines instead.
func NewEmitter(path string, out io.Writer) *Emitter {
	return &Emitter{path: path, out: out}
}

// Annotating reports whether results go to the step log.
func (e *Emitter) Annotating() bool {
	return e.path == ""
}

// Emit replaces the output document with r.
func (e *Emitter) Emit(r Result) error {
	if e.Annotating() {
		e.annotate(r)
		return nil
	}

	bs, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return e.write(bs)
}

// Merge extends the output document with r as an RFC 7386 merge patch. Keys
// r leaves out keep their earlier value. Null values in r delete keys, so
// results carrying null properties are written with Emit.
func (e *Emitter) Merge(r Result) error {
	if e.Annotating() {
		e.annotate(r)
		return nil
	}

	patch, err := json.Marshal(r)
	if err != nil {
		return err
	}

	doc, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) || len(doc) == 0 {
		return e.write(patch)
	} else if err != nil {
		return err
	}

	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return fmt.Errorf("failed to merge into %s: %w", e.path, err)
	}
	return e.write(merged)
}

// Read returns the output document written so far.
func (e *Emitter) Read() (*Result, error) {
	bs, err := os.ReadFile(e.path)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(bs, &r); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", e.path, err)
	}
	return &r, nil
}

func (e *Emitter) write(bs []byte) error {
	if err := os.WriteFile(e.path, bs, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (e *Emitter) annotate(r Result) {
	for _, l := range r.LogLines {
		for line := range strings.Lines(l[1]) {
			fmt.Fprintf(e.out, "@@@STEP_LOG_LINE@%s@%s@@@\n", l[0], strings.TrimRight(line, "\r\n"))
		}
		fmt.Fprintf(e.out, "@@@STEP_LOG_END@%s@@@\n", l[0])
	}
	if r.StepText != "" {
		fmt.Fprintf(e.out, "@@@STEP_TEXT@%s@@@\n", r.StepText)
	}
	for _, name := range slices.Sorted(maps.Keys(r.Properties)) {
		value := "None"
		if v := r.Properties[name]; v != nil {
			value = *v
		}
		fmt.Fprintf(e.out, "@@@SET_BUILD_PROPERTY@%s@\"%s\"@@@\n", name, value)
	}
}
