package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-chat/internal/models"
)

func TestIdleSweeperClosesStaleSessions(t *testing.T) {
	f := newProtocolFixture(t)
	customer, staleID := f.startSession(t, "hello")

	sweeper := NewIdleSweeper(f.store, f.handler, time.Hour, time.Minute)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	closed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	session, err := f.store.GetSession(context.Background(), staleID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, session.Status)

	frames := drain(t, customer)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].(models.SessionFrame).Session.IsClosed())

	closed, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestIdleSweeperKeepsRecentSessions(t *testing.T) {
	f := newProtocolFixture(t)
	_, sessionID := f.startSession(t, "hello")

	sweeper := NewIdleSweeper(f.store, f.handler, time.Hour, time.Minute)
	closed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	session, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)
}

func TestIdleSweeperDisabledReturnsImmediately(t *testing.T) {
	f := newProtocolFixture(t)
	sweeper := NewIdleSweeper(f.store, f.handler, 0, time.Minute)

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper should return immediately")
	}
}

func TestIdleSweeperStopsWithContext(t *testing.T) {
	f := newProtocolFixture(t)
	sweeper := NewIdleSweeper(f.store, f.handler, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
