package service

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/cobaltbit/cobalt/libs/log"
)

type testService struct {
	BaseService
	started chan struct{}
	stopped chan struct{}
}

func newTestService() *testService {
	ts := &testService{
		started: make(chan struct{}, 1),
		stopped: make(chan struct{}, 1),
	}
	ts.BaseService = *NewBaseService(log.NewNopLogger(), "testService", ts)
	return ts
}

func (ts *testService) OnStart(ctx context.Context) error {
	ts.started <- struct{}{}
	return nil
}

func (ts *testService) OnStop() {
	ts.stopped <- struct{}{}
}

func TestBaseServiceStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	<-ts.started
	require.True(t, ts.IsRunning())

	// starting twice must fail
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, ts.Stop())
	<-ts.stopped
	require.False(t, ts.IsRunning())
	ts.Wait()

	// stopping twice must fail
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
}

func TestBaseServiceContextCancel(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	<-ts.started

	cancel()
	<-ts.stopped
	ts.Wait()
	require.False(t, ts.IsRunning())
}
