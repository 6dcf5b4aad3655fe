package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
)

// recordingPolicy returns a policy whose sleeps are captured instead of waited.
func recordingPolicy(maxAttempts int, base time.Duration) (*Policy, *[]time.Duration) {
	var slept []time.Duration
	p := NewPolicy(maxAttempts, base)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDoRetriesThrottlingThenSucceeds(t *testing.T) {
	p, slept := recordingPolicy(DefaultMaxAttempts, DefaultBaseDelay)

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", llmerrors.NewThrottlingError("ThrottlingException", "Rate exceeded")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.Greater(t, (*slept)[1], (*slept)[0], "backoff delays must strictly increase")
}

func TestDoDelaysIncreaseWithJitter(t *testing.T) {
	p, slept := recordingPolicy(5, 500*time.Millisecond)

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("TooManyRequestsException: slow down")
	})

	require.Len(t, *slept, 5)
	for i := 1; i < len(*slept); i++ {
		assert.Greater(t, (*slept)[i], (*slept)[i-1])
	}
	for i, d := range *slept {
		floor := 500 * time.Millisecond * time.Duration(1<<uint(i))
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+DefaultMaxJitter)
	}
}

func TestDoNonThrottlingPropagatesImmediately(t *testing.T) {
	p, slept := recordingPolicy(5, time.Second)
	boom := errors.New("validation failed")

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoFinalUnconditionalCall(t *testing.T) {
	p, _ := recordingPolicy(2, time.Millisecond)

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("Rate exceeded")
	})

	require.Error(t, err)
	assert.True(t, llmerrors.IsThrottling(err))
	// two retried attempts plus the final call
	assert.Equal(t, 3, calls)
}

func TestDoZeroAttemptsCallsOnce(t *testing.T) {
	p, _ := recordingPolicy(0, time.Millisecond)
	calls := 0
	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("Throttling")
	})
	assert.Equal(t, 1, calls)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(3, time.Hour)
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, errors.New("Throttling")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayFormula(t *testing.T) {
	p := NewPolicy(3, 600*time.Millisecond)
	p.Jitter = func(time.Duration) time.Duration { return 100 * time.Millisecond }

	assert.Equal(t, 700*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1300*time.Millisecond, p.Delay(1))
	assert.Equal(t, 2500*time.Millisecond, p.Delay(2))
}

func TestDelaysIncreaseWhenJitterExceedsBase(t *testing.T) {
	p := NewPolicy(4, 100*time.Millisecond)
	p.MaxJitter = time.Second

	// Largest jitter on even attempts and none on odd ones is the worst case for ordering.
	var bounds []time.Duration
	prev := time.Duration(-1)
	for attempt := 0; attempt < 4; attempt++ {
		largest := attempt%2 == 0
		p.Jitter = func(max time.Duration) time.Duration {
			bounds = append(bounds, max)
			if largest {
				return max
			}
			return 0
		}
		d := p.Delay(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	require.Len(t, bounds, 4)
	for _, b := range bounds {
		assert.Equal(t, 100*time.Millisecond, b)
	}
}

type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
	}
	return llm.CompletionResponse{Content: "done"}, nil
}

func (f *flakyClient) GetModelName() string { return "flaky" }

func TestMiddleware(t *testing.T) {
	p, _ := recordingPolicy(4, time.Millisecond)
	base := &flakyClient{failures: 3}
	client := llm.Chain(base, Middleware(p))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 4, base.calls)
	assert.Equal(t, "flaky", client.GetModelName())
}
