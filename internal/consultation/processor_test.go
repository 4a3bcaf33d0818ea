package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Oracle-Delphi/internal/agent"
	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/ritual"
)

type fakeOracle struct {
	processed atomic.Int32
	latency   time.Duration
	failures  map[string]int
	failWith  error
	mu        sync.Mutex
}

func (f *fakeOracle) ConsultWithState(ctx context.Context, message, sessionID string) (*agent.Answer, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.failures[message] > 0 {
		f.failures[message]--
		f.mu.Unlock()
		return nil, f.failWith
	}
	f.mu.Unlock()

	f.processed.Add(1)
	return &agent.Answer{
		Response:    "reply to " + message,
		SessionID:   sessionID,
		RitualState: ritual.StateInfo{CurrentState: ritual.StateComplete, SessionID: sessionID, AcceptingInput: true},
	}, nil
}

type outcomeCounter struct {
	mu     sync.Mutex
	counts map[Outcome]int
}

func (o *outcomeCounter) observe(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[Outcome]int)
	}
	o.counts[outcome]++
}

func (o *outcomeCounter) get(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outcome]
}

func startProcessor(t *testing.T, oracle Executor, opts ...ProcessorOption) (*Service, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(oracle, store, queue, queue, opts...)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return service, ctx
}

func TestProcessorHandlesConcurrentConsultations(t *testing.T) {
	oracle := &fakeOracle{latency: 5 * time.Millisecond}
	counter := &outcomeCounter{}
	service, ctx := startProcessor(t, oracle, WithWorkerCount(8), WithOutcomeObserver(counter.observe))

	total := 100
	for i := 0; i < total; i++ {
		_, err := service.Submit(ctx, Request{Question: fmt.Sprintf("question-%d", i), SessionID: fmt.Sprintf("s%d", i%10)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return int(oracle.processed.Load()) >= total
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return counter.get(OutcomeSucceeded) == total
	}, time.Second, 10*time.Millisecond)

	stats, err := service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, stats.Succeeded)
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	oracle := &fakeOracle{
		failures: map[string]int{"flaky": 2},
		failWith: xerrors.New(xerrors.CodeTimeout, "model too slow"),
	}
	counter := &outcomeCounter{}
	service, ctx := startProcessor(t, oracle, WithOutcomeObserver(counter.observe))

	submitted, err := service.Submit(ctx, Request{ID: "flaky-1", Question: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultSessionID, submitted.SessionID)

	done, err := service.WaitUntilCompleted(ctx, "flaky-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 3, done.Attempts)
	require.NotNil(t, done.Result)
	assert.Equal(t, "reply to flaky", done.Result.Reply)
	assert.Equal(t, ritual.StateComplete, done.Result.RitualState.CurrentState)
	assert.Equal(t, 2, counter.get(OutcomeRetried))
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	oracle := &fakeOracle{
		failures: map[string]int{"doomed": 10},
		failWith: xerrors.New(xerrors.CodeExecutorFailure, "upstream 503"),
	}
	service, ctx := startProcessor(t, oracle)

	_, err := service.Submit(ctx, Request{ID: "doomed-1", Question: "doomed"})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, "doomed-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, string(xerrors.CodeExecutorFailure), done.ErrorCode)
	assert.Contains(t, done.LastError, "upstream 503")
}

func TestProcessorStopsOnNonRetryableError(t *testing.T) {
	oracle := &fakeOracle{
		failures: map[string]int{"bad": 10},
		failWith: xerrors.New(xerrors.CodeInvalidArgument, "nonsense"),
	}
	counter := &outcomeCounter{}
	service, ctx := startProcessor(t, oracle, WithOutcomeObserver(counter.observe))

	_, err := service.Submit(ctx, Request{ID: "bad-1", Question: "bad"})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, "bad-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, string(xerrors.CodeInvalidArgument), done.ErrorCode)
	assert.Equal(t, 1, counter.get(OutcomeFailed))
	assert.Zero(t, counter.get(OutcomeRetried))
}

func TestProcessorDegradesToFallbackReply(t *testing.T) {
	oracle := &fakeOracle{
		failures: map[string]int{"silent": 10},
		failWith: xerrors.New(xerrors.CodeExecutorFailure, "upstream 503"),
	}
	counter := &outcomeCounter{}
	service, ctx := startProcessor(t, oracle,
		WithOutcomeObserver(counter.observe),
		WithRecoveryHandler(StaticReply("The mists are thick. Ask again when they clear.")),
	)

	_, err := service.Submit(ctx, Request{ID: "silent-1", Question: "silent"})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, "silent-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 3, done.Attempts)
	require.NotNil(t, done.Result)
	assert.Equal(t, "The mists are thick. Ask again when they clear.", done.Result.Reply)
	assert.Equal(t, 1, counter.get(OutcomeDegraded))
	assert.Equal(t, 2, counter.get(OutcomeRetried))
}

func TestEmptyStaticReplyDoesNotDegrade(t *testing.T) {
	result, err := StaticReply("  ").Recover(context.Background(), &Consultation{}, errors.New("boom"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)

	first, err := service.Submit(ctx, Request{ID: "same", Question: "q", SessionID: "  s1 "})
	require.NoError(t, err)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, defaultMaxRetries, first.MaxRetries)

	second, err := service.Submit(ctx, Request{ID: "same", Question: "other"})
	require.NoError(t, err)
	assert.Equal(t, "q", second.Question)

	generated, err := service.Submit(ctx, Request{Question: "q2"})
	require.NoError(t, err)
	assert.Len(t, generated.ID, 36)

	_, err = service.Submit(ctx, Request{Question: "  "})
	assert.Equal(t, CodeValidation, xerrors.CodeOf(err))
	assert.Equal(t, 422, xerrors.HTTPStatusOf(err))

	listed, err := service.List(ctx, WithSession("s1"))
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Close())
	service := NewService(store, queue, 3)

	_, err := service.Submit(ctx, Request{ID: "lost", Question: "q"})
	require.Error(t, err)
	assert.Equal(t, CodePublish, xerrors.CodeOf(err))

	stored, err := store.Get(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.True(t, stored.Done())
}

func TestWaitUntilCompletedHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 3)
	_, err := service.Submit(context.Background(), Request{ID: "stuck", Question: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = service.WaitUntilCompleted(ctx, "stuck", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// cancelAwareStore 模拟在 ctx 取消后拒绝写入的真实后端。
type cancelAwareStore struct {
	*MemoryStore
}

func (s cancelAwareStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.MarkSucceeded(ctx, id, result)
}

func (s cancelAwareStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.MarkFailed(ctx, id, code, lastError, terminal)
}

// shutdownOracle 在调用大模型期间取消 ctx，模拟进程停机。
type shutdownOracle struct {
	cancel context.CancelFunc
	reply  bool
}

func (s *shutdownOracle) ConsultWithState(ctx context.Context, message, sessionID string) (*agent.Answer, error) {
	s.cancel()
	if s.reply {
		return &agent.Answer{Response: "late reply", SessionID: sessionID}, nil
	}
	return nil, ctx.Err()
}

func TestProcessorRecordsOutcomeAfterShutdown(t *testing.T) {
	for _, tc := range []struct {
		name   string
		reply  bool
		status Status
	}{
		{name: "failure", status: StatusFailed},
		{name: "late success", reply: true, status: StatusSucceeded},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := cancelAwareStore{NewMemoryStore()}
			service := NewService(store, NewMemoryQueue(4), 3)
			c, err := service.Submit(context.Background(), Request{Question: "q", SessionID: "s1"})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			processor := NewProcessor(&shutdownOracle{cancel: cancel, reply: tc.reply}, store, nil, NewMemoryQueue(4))
			_ = processor.handle(ctx, c.ID)

			stored, err := store.Get(context.Background(), c.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.Status)
			assert.NotEqual(t, StatusRunning, stored.Status)
		})
	}
}
