package autonomy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Status values written by CI and build tooling that block reauthorization.
var failingStatuses = map[string]bool{"failing": true, "failure": true, "error": true}

// DefaultTestPatterns match test files by base name.
var DefaultTestPatterns = []string{"*_test.go", "*.test.ts", "*.test.tsx", "*.spec.ts"}

// DefaultTestDebtMarkers are the skipped, stubbed or unfinished test markers.
var DefaultTestDebtMarkers = []string{"t.Skip(", ".skip(", ".todo(", "xit(", "xdescribe(", "// TODO", "// FIXME"}

const maxTestDepth = 10

type programKey struct{}

// WithProgram names the program a validation runs for.
func WithProgram(ctx context.Context, programID string) context.Context {
	if programID == "" {
		return ctx
	}
	return context.WithValue(ctx, programKey{}, programID)
}

// ProgramFrom returns the program set by WithProgram.
func ProgramFrom(ctx context.Context) string {
	id, _ := ctx.Value(programKey{}).(string)
	return id
}

// CIStatusSource reports the latest CI state, or "" when none is recorded.
type CIStatusSource interface {
	CIStatus(ctx context.Context) (string, error)
}

// StatusFile reads the "status" field of a JSON status file. A missing file
// reports no status.
type StatusFile struct {
	Path string
}

// CIStatus implements CIStatusSource.
func (f StatusFile) CIStatus(context.Context) (string, error) {
	var st struct {
		Status string `json:"status"`
	}
	if _, err := readStatus(f.Path, &st); err != nil {
		return "", err
	}
	return st.Status, nil
}

// readStatus decodes path into v. found is false when the file does not exist.
func readStatus(path string, v any) (found bool, err error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// TestsPassingCheck fails while dir holds a result file whose name marks a
// failure or error. A missing dir means nothing has failed.
func TestsPassingCheck(dir string) Check {
	return Check{Name: "tests_passing", Run: func(context.Context) (bool, string, error) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return true, "no test results recorded", nil
		}
		if err != nil {
			return false, "", err
		}
		var failed []string
		for _, e := range entries {
			name := strings.ToLower(e.Name())
			if strings.Contains(name, "failure") || strings.Contains(name, "error") {
				failed = append(failed, e.Name())
			}
		}
		if len(failed) > 0 {
			return false, "test failures recorded: " + summarize(failed), nil
		}
		return true, "all tests passing", nil
	}}
}

// TestDebtCheck fails when a test file under root contains a debt marker.
// patterns and markers default to DefaultTestPatterns and DefaultTestDebtMarkers.
func TestDebtCheck(root string, patterns, markers []string) (Check, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}
	if len(markers) == 0 {
		markers = DefaultTestDebtMarkers
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return Check{}, fmt.Errorf("test pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	isTest := func(name string) bool {
		for _, g := range globs {
			if g.Match(name) {
				return true
			}
		}
		return false
	}

	return Check{Name: "zero_test_debt", Run: func(ctx context.Context) (bool, string, error) {
		var debt []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if path != root && skipDir(d.Name(), path, root) {
					return fs.SkipDir
				}
				return nil
			}
			if !isTest(d.Name()) {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			for _, m := range markers {
				if bytes.Contains(raw, []byte(m)) {
					rel, _ := filepath.Rel(root, path)
					debt = append(debt, fmt.Sprintf("%s (%s)", rel, m))
					break
				}
			}
			return nil
		})
		if err != nil {
			return false, "", err
		}
		if len(debt) > 0 {
			return false, fmt.Sprintf("test debt in %d file(s): %s", len(debt), summarize(debt)), nil
		}
		return true, "zero test debt", nil
	}}, nil
}

func skipDir(name, path, root string) bool {
	switch {
	case strings.HasPrefix(name, "."), strings.HasPrefix(name, "_"):
		return true
	case name == "node_modules", name == "vendor", name == "testdata":
		return true
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && strings.Count(rel, string(filepath.Separator)) >= maxTestDepth
}

// CIStableCheck fails while CI reports failing or error.
func CIStableCheck(src CIStatusSource) Check {
	return Check{Name: "ci_stable", Run: func(ctx context.Context) (bool, string, error) {
		st, err := src.CIStatus(ctx)
		if err != nil {
			return false, "", err
		}
		switch {
		case st == "":
			return true, "no CI status recorded", nil
		case failingStatuses[strings.ToLower(st)]:
			return false, "CI is not stable: " + st, nil
		}
		return true, "CI is stable: " + st, nil
	}}
}

// BuildGreenCheck fails while the build status file reports failing or error.
func BuildGreenCheck(path string) Check {
	return Check{Name: "build_green", Run: func(ctx context.Context) (bool, string, error) {
		st, err := StatusFile{Path: path}.CIStatus(ctx)
		if err != nil {
			return false, "", err
		}
		if failingStatuses[strings.ToLower(st)] {
			return false, "build is failing: " + st, nil
		}
		return true, "build green", nil
	}}
}

// LintCleanCheck fails while the lint status file reports errors or warnings.
func LintCleanCheck(path string) Check {
	return Check{Name: "lint_clean", Run: func(context.Context) (bool, string, error) {
		var st struct {
			Errors   int `json:"errors"`
			Warnings int `json:"warnings"`
		}
		found, err := readStatus(path, &st)
		if err != nil {
			return false, "", err
		}
		if !found {
			return true, "no lint status recorded", nil
		}
		if st.Errors > 0 || st.Warnings > 0 {
			return false, fmt.Sprintf("lint issues: %d errors, %d warnings", st.Errors, st.Warnings), nil
		}
		return true, "lint clean", nil
	}}
}

// ProgramCompleteCheck fails when the program named on the context has a
// status file under dir that is not "complete". Unknown programs pass.
func ProgramCompleteCheck(dir string) Check {
	return Check{Name: "program_complete", Run: func(ctx context.Context) (bool, string, error) {
		id := ProgramFrom(ctx)
		if id == "" {
			return true, "no program named", nil
		}
		if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
			return false, "", fmt.Errorf("invalid program id %q", id)
		}
		var st struct {
			Status string `json:"status"`
		}
		found, err := readStatus(filepath.Join(dir, id+".json"), &st)
		if err != nil {
			return false, "", err
		}
		switch {
		case !found:
			return true, fmt.Sprintf("program %s status unknown", id), nil
		case st.Status != "complete":
			return false, fmt.Sprintf("program %s is not complete: %s", id, st.Status), nil
		}
		return true, fmt.Sprintf("program %s is complete", id), nil
	}}
}
