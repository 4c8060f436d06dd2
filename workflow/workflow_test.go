package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Theauxm/workrail/memory"
)

type intToString struct{}

func (intToString) Run(ctx context.Context, input int) (string, error) {
	return strconv.Itoa(input), nil
}

type failing struct{}

func (failing) Run(ctx context.Context, input int) (string, error) {
	return "", errors.New("boom")
}

type panicking struct{}

func (panicking) Run(ctx context.Context, input int) (string, error) {
	panic("blew up")
}

type countingStep struct {
	runs *int
}

func (s countingStep) Run(ctx context.Context, input string) (int, error) {
	*s.runs++
	return len(input), nil
}

type intToStringFlow struct{}

func (intToStringFlow) Define(w *Workflow[int, string], input int) Result[string] {
	Chain(w, intToString{})
	return w.Resolve()
}

func TestRailwayEngine(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test linear chain":                    testLinearChain,
		"test failure short circuits":          testFailureShortCircuits,
		"test panic becomes failure":           testPanicBecomesFailure,
		"test nil input fails activation":      testNilInputFailsActivation,
		"test cancellation runs no steps":      testCancellationRunsNoSteps,
		"test short circuit absorbs failure":   testShortCircuitAbsorbsFailure,
		"test short circuit captures value":    testShortCircuitCapturesValue,
		"test short circuit keeps cancel":      testShortCircuitKeepsCancellation,
		"test resolve priority":                testResolvePriority,
		"test resolve miss":                    testResolveMiss,
		"test chain ref factory error":         testChainRefFactoryError,
		"test chain iface":                     testChainIface,
		"test extract member":                  testExtractMember,
		"test run unwraps":                     testRunUnwraps,
	} {
		t.Run(scenario, fn)
	}
}

func testLinearChain(t *testing.T) {
	runs := 0
	w := Prepare[int, int](context.Background(), defFunc[int, int](nil))
	w.Activate(42)
	Chain(w, intToString{})
	Chain(w, countingStep{runs: &runs})
	res := w.Resolve()

	require.NoError(t, res.Error())
	require.Equal(t, 2, res.Value())
	require.Equal(t, 1, runs)
	require.Equal(t, 2, w.StepCount())
}

func testFailureShortCircuits(t *testing.T) {
	runs := 0
	w := Prepare[int, int](context.Background(), defFunc[int, int](nil))
	w.Activate(42)
	Chain(w, failing{})
	Chain(w, countingStep{runs: &runs})
	res := w.Resolve()

	require.Error(t, res.Error())
	require.Equal(t, 0, runs)
	require.Equal(t, 1, w.StepCount())
	require.Equal(t, "failing", w.FailureStep())

	var se *StepError
	require.True(t, errors.As(res.Error(), &se))
	require.EqualError(t, se.Err, "boom")
}

func testPanicBecomesFailure(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	Chain(w, panicking{})
	res := w.Resolve()

	require.Error(t, res.Error())
	var pe *PanicError
	require.True(t, errors.As(res.Error(), &pe))
	require.Equal(t, "blew up", pe.Value)
	require.NotEmpty(t, pe.Stack)
}

func testNilInputFailsActivation(t *testing.T) {
	w := Prepare[*int, string](context.Background(), defFunc[*int, string](nil))
	w.Activate(nil)
	res := w.Resolve()

	require.Error(t, res.Error())
	require.True(t, errors.Is(res.Error(), ErrNilInput))
	require.Equal(t, "Activate", w.FailureStep())
	require.Equal(t, 0, w.StepCount())
}

func testCancellationRunsNoSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := Prepare[int, string](ctx, defFunc[int, string](nil))
	w.Activate(42)
	Chain(w, intToString{})
	res := w.Resolve()

	require.Error(t, res.Error())
	require.True(t, IsCancellation(res.Error()))
	require.Equal(t, 0, w.StepCount())
}

func testShortCircuitAbsorbsFailure(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	ShortCircuit(w, StepFunc[int, int](func(ctx context.Context, input int) (int, error) {
		return 0, errors.New("optional work failed")
	}))
	Chain(w, intToString{})
	res := w.Resolve()

	require.NoError(t, res.Error())
	require.Equal(t, "42", res.Value())
}

func testShortCircuitCapturesValue(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	ShortCircuit(w, StepFunc[int, string](func(ctx context.Context, input int) (string, error) {
		return "cached", nil
	}))
	// Overwrite the memory slot; the captured short-circuit value must win.
	Chain(w, intToString{})
	res := w.Resolve()

	require.NoError(t, res.Error())
	require.Equal(t, "cached", res.Value())
}

func testShortCircuitKeepsCancellation(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	ShortCircuit(w, StepFunc[int, string](func(ctx context.Context, input int) (string, error) {
		return "", context.Canceled
	}))
	res := w.Resolve()

	require.Error(t, res.Error())
	require.True(t, IsCancellation(res.Error()))
}

func testResolvePriority(t *testing.T) {
	// Failure beats a present memory value of the return type.
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	Chain(w, intToString{})
	w.Fail("manual", errors.New("late failure"))
	res := w.Resolve()
	require.Error(t, res.Error())
}

func testResolveMiss(t *testing.T) {
	w := Prepare[int, float64](context.Background(), defFunc[int, float64](nil))
	w.Activate(42)
	res := w.Resolve()

	require.Error(t, res.Error())
	var nf *TypeNotFoundError
	require.True(t, errors.As(res.Error(), &nf))
}

func testChainRefFactoryError(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	ref := NewStepRef("broken", func(m *memory.TypedMemory) (Step[int, string], error) {
		return nil, fmt.Errorf("missing dependency")
	})
	ChainRef(w, ref)
	res := w.Resolve()

	require.Error(t, res.Error())
	var ce *ConfigurationError
	require.True(t, errors.As(res.Error(), &ce))
}

type converter interface {
	Step[int, string]
}

func testChainIface(t *testing.T) {
	w := Prepare[int, string](context.Background(), defFunc[int, string](nil))
	w.Activate(42)
	memory.SetAs[converter](w.Memory(), intToString{})
	ChainIface[converter, int, string](w)
	res := w.Resolve()

	require.NoError(t, res.Error())
	require.Equal(t, "42", res.Value())
}

type order struct {
	Customer string
	Total    int
}

func testExtractMember(t *testing.T) {
	w := Prepare[order, string](context.Background(), defFunc[order, string](nil))
	w.Activate(order{Customer: "acme", Total: 9})
	Extract[string, order](w)
	res := w.Resolve()

	require.NoError(t, res.Error())
	require.Equal(t, "acme", res.Value())
}

func testRunUnwraps(t *testing.T) {
	out, err := Run[int, string](context.Background(), intToStringFlow{}, 42)
	require.NoError(t, err)
	require.Equal(t, "42", out)

	res, err := RunEither[int, string](context.Background(), intToStringFlow{}, 42)
	require.NoError(t, err)
	require.Equal(t, "42", res.Value())
}

// defFunc is a placeholder definition for tests that drive the workflow
// manually instead of through Execute.
type defFunc[TIn, TOut any] func(w *Workflow[TIn, TOut], input TIn) Result[TOut]

func (f defFunc[TIn, TOut]) Define(w *Workflow[TIn, TOut], input TIn) Result[TOut] {
	return f(w, input)
}
