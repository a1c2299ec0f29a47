package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/lens"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const echoLens = `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			return markup + "<div xmlns=\"http://www.w3.org/1999/xhtml\"><p>added</p></div>", nil
		},
		"explanation": func() (string, error) {
			return "appended a block", nil
		},
	}
}
`

func newTestExecutor() (*Executor, *logging.Capture) {
	sink := &logging.Capture{}
	return New(sink, 4), sink
}

func run(t *testing.T, source string, timeout time.Duration) lens.Outcome {
	t.Helper()
	exec, _ := newTestExecutor()
	return exec.Run(context.Background(), lens.Job{
		Lens:   "test-lens",
		Source: source,
		Markup: "<div>original</div>",
	}, timeout)
}

func TestRun_Success(t *testing.T) {
	out := run(t, echoLens, time.Second)

	require.Equal(t, lens.StateSucceeded, out.State)
	assert.True(t, out.OK())
	assert.Contains(t, out.Markup, "<div>original</div>")
	assert.Contains(t, out.Markup, "<p>added</p>")
	assert.Equal(t, "appended a block", out.Explanation)
}

func TestRun_EmptySource(t *testing.T) {
	for _, src := range []string{"", "   \n\t"} {
		out := run(t, src, time.Second)
		assert.Equal(t, lens.StateFailed, out.State)
		assert.Equal(t, "empty lens", out.Message)
	}
}

func TestRun_MissingEnhance(t *testing.T) {
	src := `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"explanation": func() (string, error) { return "no enhance here", nil },
	}
}
`
	out := run(t, src, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "enhance")
}

func TestRun_EnhanceWrongShape(t *testing.T) {
	tests := map[string]string{
		"not a function": `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{"enhance": "just a string"}
}
`,
		"wrong return type": `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{"enhance": func() int { return 42 }}
}
`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			out := run(t, src, time.Second)
			assert.Equal(t, lens.StateFailed, out.State)
			assert.Contains(t, out.Message, "capability is not a zero-argument string function")
		})
	}
}

func TestRun_EnhanceError(t *testing.T) {
	src := `
import "errors"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) { return "", errors.New("patient context unusable") },
	}
}
`
	out := run(t, src, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "enhance failed")
	assert.Contains(t, out.Message, "patient context unusable")
}

func TestRun_FactoryReturnsNil(t *testing.T) {
	src := `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return nil
}
`
	out := run(t, src, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "no capabilities")
}

func TestRun_NoLensFunction(t *testing.T) {
	out := run(t, `func Other() string { return "x" }`, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "does not declare a Lens function")
}

func TestRun_BadSyntax(t *testing.T) {
	out := run(t, `func Lens( {{{`, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "does not parse")
}

func TestRun_ForbiddenImport(t *testing.T) {
	src := `
import "os"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) { return os.Getenv("HOME"), nil },
	}
}
`
	out := run(t, src, time.Second)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "forbidden imports")
	assert.Contains(t, out.Message, "os")
}

func TestRun_AllowedImport(t *testing.T) {
	src := `
import "strings"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) { return strings.ToUpper(markup), nil },
	}
}
`
	out := run(t, src, time.Second)

	require.Equal(t, lens.StateSucceeded, out.State)
	assert.Equal(t, "<DIV>ORIGINAL</DIV>", out.Markup)
}

func TestRun_Crash(t *testing.T) {
	src := `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) { panic("lens went rogue") },
	}
}
`
	out := run(t, src, time.Second)

	assert.Equal(t, lens.StateCrashed, out.State)
	assert.Contains(t, out.Message, "crashed")
}

func TestRun_Timeout(t *testing.T) {
	src := `
import "time"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			time.Sleep(200 * time.Millisecond)
			return markup, nil
		},
	}
}
`
	start := time.Now()
	out := run(t, src, 30*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, lens.StateTimedOut, out.State)
	assert.Contains(t, out.Message, "exceeded")
	assert.Contains(t, out.Message, "30ms")
	assert.Less(t, elapsed, 150*time.Millisecond, "caller must settle at the deadline, not at lens completion")

	// Let the abandoned isolate drain before goleak inspects the process.
	time.Sleep(250 * time.Millisecond)
}

func TestRun_SlotReclaimedAfterTimeout(t *testing.T) {
	spinner := `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			for {
			}
		},
	}
}
`
	exec := New(&logging.Capture{}, 1)

	out := exec.Run(context.Background(), lens.Job{Lens: "spinner", Source: spinner, Markup: "m"}, 50*time.Millisecond)
	require.Equal(t, lens.StateTimedOut, out.State)

	// The sole slot must come back once the interrupt lands; a healthy lens
	// right behind the spinner has to settle.
	next := exec.Run(context.Background(), lens.Job{Lens: "after", Source: echoLens, Markup: "m"}, time.Second)
	assert.Equal(t, lens.StateSucceeded, next.State)
}

func TestRun_AcquireBoundedByDeadline(t *testing.T) {
	holder := `
import "time"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			time.Sleep(400 * time.Millisecond)
			return markup, nil
		},
	}
}
`
	exec := New(&logging.Capture{}, 1)

	done := make(chan lens.Outcome, 1)
	go func() {
		done <- exec.Run(context.Background(), lens.Job{Lens: "holder", Source: holder, Markup: "m"}, time.Second)
	}()
	time.Sleep(100 * time.Millisecond) // let the holder take the slot

	start := time.Now()
	out := exec.Run(context.Background(), lens.Job{Lens: "starved", Source: echoLens, Markup: "m"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, lens.StateFailed, out.State)
	assert.Contains(t, out.Message, "no isolate available")
	assert.Less(t, elapsed, 300*time.Millisecond, "a starved acquire must settle at the deadline")

	first := <-done
	assert.Equal(t, lens.StateSucceeded, first.State)
}

func TestRun_ExplanationFailuresSwallowed(t *testing.T) {
	tests := map[string]string{
		"returns error": `
import "errors"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance":     func() (string, error) { return markup, nil },
		"explanation": func() (string, error) { return "", errors.New("nope") },
	}
}
`,
		"panics": `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance":     func() (string, error) { return markup, nil },
		"explanation": func() (string, error) { panic("explanation blew up") },
	}
}
`,
		"wrong shape": `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance":     func() (string, error) { return markup, nil },
		"explanation": 12,
	}
}
`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			out := run(t, src, time.Second)
			require.Equal(t, lens.StateSucceeded, out.State)
			assert.Equal(t, "", out.Explanation)
		})
	}
}

func TestRun_DocumentIsolation(t *testing.T) {
	src := `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			document["title"] = "mutated inside isolate"
			patientContext["tampered"] = true
			return markup, nil
		},
	}
}
`
	exec, _ := newTestExecutor()
	doc := map[string]interface{}{"resourceType": "Composition", "title": "original"}
	pc := map[string]interface{}{"resourceType": "Bundle"}

	out := exec.Run(context.Background(), lens.Job{
		Lens:           "mutator",
		Source:         src,
		Document:       doc,
		PatientContext: pc,
		Markup:         "m",
	}, time.Second)

	require.Equal(t, lens.StateSucceeded, out.State)
	assert.Equal(t, "original", doc["title"])
	assert.NotContains(t, pc, "tampered")
}

func TestRun_ForwardsIsolateOutput(t *testing.T) {
	src := `
import "fmt"

func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) {
			fmt.Println("inspecting patient conditions")
			return markup, nil
		},
	}
}
`
	exec, sink := newTestExecutor()
	out := exec.Run(context.Background(), lens.Job{Lens: "chatty", Source: src, Markup: "m"}, time.Second)
	require.Equal(t, lens.StateSucceeded, out.State)

	var found bool
	for _, e := range sink.Events() {
		if e.Source == logging.SourceLens && e.Lens == "chatty" && e.Level == logging.LevelInfo &&
			e.Message == "inspecting patient conditions" {
			found = true
		}
	}
	assert.True(t, found, "isolate stdout must reach the sink, got %v", sink.Events())
}

func TestRun_CancelledContext(t *testing.T) {
	exec, _ := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := exec.Run(ctx, lens.Job{Lens: "l", Source: echoLens, Markup: "m"}, time.Second)

	assert.True(t, out.State == lens.StateFailed || out.State == lens.StateTimedOut,
		"cancelled context must settle a failure, got %s", out.State)
}

func TestRun_SequentialInvocationsAreIndependent(t *testing.T) {
	exec, _ := newTestExecutor()

	first := exec.Run(context.Background(), lens.Job{Lens: "a", Source: `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	leaked := "state"
	_ = leaked
	return map[string]interface{}{"enhance": func() (string, error) { return "first", nil }}
}
`, Markup: "m"}, time.Second)
	require.Equal(t, lens.StateSucceeded, first.State)

	// A later lens referencing the earlier one's symbols must not see them.
	second := exec.Run(context.Background(), lens.Job{Lens: "b", Source: `
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{"enhance": func() (string, error) { return leaked, nil }}
}
`, Markup: "m"}, time.Second)
	assert.Equal(t, lens.StateFailed, second.State)
}

func TestRun_PackagePhraseInComment(t *testing.T) {
	src := `
// Rewrites package main leaflets in place.
func Lens(document map[string]interface{}, patientContext map[string]interface{}, persona interface{}, markup string) map[string]interface{} {
	return map[string]interface{}{
		"enhance": func() (string, error) { return markup, nil },
	}
}
`
	out := run(t, src, time.Second)

	require.Equal(t, lens.StateSucceeded, out.State)
	assert.Equal(t, "<div>original</div>", out.Markup)
}

func TestWrapSource(t *testing.T) {
	assert.Contains(t, wrapSource("func Lens() {}"), "package main")

	already := "package main\n\nfunc Lens() {}"
	assert.Equal(t, already, wrapSource(already))

	// The phrase alone is not a package clause.
	comment := "// works on package main sources\nfunc Lens() {}"
	assert.True(t, strings.HasPrefix(wrapSource(comment), "package main\n"))

	literal := `func Lens() string { return "package main" }`
	assert.True(t, strings.HasPrefix(wrapSource(literal), "package main\n"))
}

func TestCheckImports(t *testing.T) {
	assert.NoError(t, checkImports("package main\n\nimport \"strings\"\n\nvar _ = strings.ToUpper"))
	err := checkImports("package main\n\nimport (\n\t\"net/http\"\n\t\"os/exec\"\n)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "net/http")
	assert.Contains(t, err.Error(), "os/exec")
}
