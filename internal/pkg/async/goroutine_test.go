package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoReportsErrors(t *testing.T) {
	errCh := make(chan error, 1)
	SafeGo{Timeout: time.Second}.Dispatch(context.Background(), "failing", func(ctx context.Context) error {
		return errors.New("boom")
	}, func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("error callback was not invoked")
	}
}

func TestSafeGoSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	SafeGo{Timeout: time.Second}.Dispatch(ctx, "detached", func(taskCtx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		done <- taskCtx.Err()
		return nil
	}, nil)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGoRecoversPanics(t *testing.T) {
	done := make(chan struct{})
	SafeGo{}.Dispatch(context.Background(), "panicking", func(ctx context.Context) error {
		defer close(done)
		panic("unexpected")
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestInlineRunsSynchronously(t *testing.T) {
	var got error
	ran := false
	Inline{}.Dispatch(context.Background(), "inline", func(ctx context.Context) error {
		ran = true
		return errors.New("nope")
	}, func(err error) { got = err })

	assert.True(t, ran)
	assert.EqualError(t, got, "nope")
}
