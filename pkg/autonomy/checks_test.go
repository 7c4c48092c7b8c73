package autonomy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestTestsPassingCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test-results")

	ok, msg, err := TestsPassingCheck(dir).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "missing results dir")
	assert.Equal(t, "no test results recorded", msg)

	writeFile(t, filepath.Join(dir, "run-42.json"), "{}")
	ok, _, err = TestsPassingCheck(dir).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, filepath.Join(dir, "run-43-failure.json"), "{}")
	ok, msg, err = TestsPassingCheck(dir).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "run-43-failure.json")
}

func TestTestDebtCheck(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "a_test.go"), "package pkg\n\nfunc TestA(t *testing.T) {}\n")
	writeFile(t, filepath.Join(root, "pkg", "b.go"), "package pkg\n\n// TODO: not a test file\n")
	writeFile(t, filepath.Join(root, "vendor", "x", "x_test.go"), "t.Skip(\"vendored\")\n")
	writeFile(t, filepath.Join(root, ".cache", "y_test.go"), "t.Skip(\"hidden\")\n")

	c, err := TestDebtCheck(root, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "zero_test_debt", c.Name)

	ok, msg, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, msg)

	writeFile(t, filepath.Join(root, "web", "login.test.ts"), "it.skip('flaky', () => {})\n")
	writeFile(t, filepath.Join(root, "pkg", "c_test.go"), "func TestC(t *testing.T) { t.Skip(\"later\") }\n")
	ok, msg, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "2 file(s)")
	assert.Contains(t, msg, filepath.Join("pkg", "c_test.go"))
	assert.Contains(t, msg, filepath.Join("web", "login.test.ts"))
}

func TestTestDebtCheck_MissingRoot(t *testing.T) {
	c, err := TestDebtCheck(filepath.Join(t.TempDir(), "nope"), nil, nil)
	require.NoError(t, err)
	ok, _, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

type staticCI struct {
	status string
	err    error
}

func (s staticCI) CIStatus(context.Context) (string, error) { return s.status, s.err }

func TestCIStableCheck(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"", true},
		{"success", true},
		{"pending", true},
		{"failure", false},
		{"failing", false},
		{"ERROR", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ok, _, err := CIStableCheck(staticCI{status: tt.status}).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCIStableCheck_FromStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci-status.json")
	c := CIStableCheck(StatusFile{Path: path})

	ok, msg, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "no CI status recorded", msg)

	writeFile(t, path, `{"status":"failing","run":"1187"}`)
	ok, _, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	writeFile(t, path, `{"status":`)
	_, _, err = c.Run(context.Background())
	assert.Error(t, err, "a corrupt status file is not a pass")
}

func TestBuildGreenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build-status.json")
	c := BuildGreenCheck(path)

	ok, _, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, path, `{"status":"error"}`)
	ok, msg, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "error")

	writeFile(t, path, `{"status":"passing"}`)
	ok, _, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLintCleanCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lint-status.json")
	c := LintCleanCheck(path)

	ok, _, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, path, `{"errors":0,"warnings":2}`)
	ok, msg, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "lint issues: 0 errors, 2 warnings", msg)

	writeFile(t, path, `{"errors":0,"warnings":0}`)
	ok, _, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProgramCompleteCheck(t *testing.T) {
	dir := t.TempDir()
	c := ProgramCompleteCheck(dir)
	writeFile(t, filepath.Join(dir, "wave-1.json"), `{"status":"complete"}`)
	writeFile(t, filepath.Join(dir, "wave-2.json"), `{"status":"in_progress"}`)

	ok, msg, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "no program named", msg)

	ok, _, err = c.Run(WithProgram(context.Background(), "wave-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, msg, err = c.Run(WithProgram(context.Background(), "wave-2"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "in_progress")

	ok, _, err = c.Run(WithProgram(context.Background(), "wave-3"))
	require.NoError(t, err)
	assert.True(t, ok, "unknown programs pass")

	_, _, err = c.Run(WithProgram(context.Background(), "../secrets"))
	assert.Error(t, err)
}

func TestReauthorization_ValidatesNamedProgram(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "wave-2.json"), `{"status":"in_progress"}`)
	model := NewStateModel(ForwardExecution)
	v := NewSystemValidator(time.Second, ProgramCompleteCheck(dir))
	engine := NewReauthorizationEngine(model, v, nil, nil)

	res, err := engine.RequestReauthorization(context.Background(), "wave-2", "", "builder-1")
	require.NoError(t, err)
	assert.Nil(t, res.Request)
	require.Len(t, res.Validation.Violations, 1)
	assert.Contains(t, res.Validation.Violations[0], "program_complete")
	assert.Equal(t, CorrectionMode, model.CurrentState())

	res, err = engine.RequestReauthorization(context.Background(), "wave-1", "", "builder-1")
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Equal(t, WaitingForApproval, model.CurrentState())
}
