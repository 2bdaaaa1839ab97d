package sessions_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/mcpbridge/sessions"
)

type fakeTransport struct {
	id       string
	family   sessions.TransportFamily
	closeErr error
	closes   atomic.Int32
}

func (f *fakeTransport) SessionID() string                           { return f.id }
func (f *fakeTransport) Family() sessions.TransportFamily            { return f.family }
func (f *fakeTransport) Send(ctx context.Context, data []byte) error { return nil }
func (f *fakeTransport) Close(ctx context.Context) error {
	f.closes.Add(1)
	return f.closeErr
}

func newFakeSession(id string, family sessions.TransportFamily) (*sessions.Session, *fakeTransport) {
	t := &fakeTransport{id: id, family: family}
	return &sessions.Session{ID: id, Family: family, Transport: t}, t
}

func TestRegistryInsertLookup(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	sess, _ := newFakeSession("s1", sessions.FamilyStreamable)
	require.NoError(t, reg.Insert(sess))

	got, ok := reg.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, sessions.FamilyStreamable, got.Family)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryInsertFirstWriterWins(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	first, _ := newFakeSession("dup", sessions.FamilyStreamable)
	second, _ := newFakeSession("dup", sessions.FamilyLegacySSE)

	require.NoError(t, reg.Insert(first))
	err := reg.Insert(second)
	require.ErrorIs(t, err, sessions.ErrDuplicateSessionID)

	got, ok := reg.Lookup("dup")
	require.True(t, ok)
	assert.Same(t, first, got, "first writer must win")
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	sess, _ := newFakeSession("s1", sessions.FamilyLegacySSE)
	require.NoError(t, reg.Insert(sess))

	reg.Remove("s1")
	reg.Remove("s1") // second removal is a no-op
	reg.Remove("never-existed")

	assert.Equal(t, 0, reg.Len())
}

func TestRegistryConcurrentInsertRemove(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a'+n%26)) + "-session"
			sess, _ := newFakeSession(id, sessions.FamilyStreamable)
			_ = reg.Insert(sess)
			_, _ = reg.Lookup(id)
			reg.Remove(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDrainClosesEverything(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	streamable, st := newFakeSession("stream-1", sessions.FamilyStreamable)
	legacy, lt := newFakeSession("legacy-1", sessions.FamilyLegacySSE)
	require.NoError(t, reg.Insert(streamable))
	require.NoError(t, reg.Insert(legacy))

	require.NoError(t, reg.Drain(context.Background()))

	assert.Equal(t, int32(1), st.closes.Load())
	assert.Equal(t, int32(1), lt.closes.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDrainContinuesPastCloseFailure(t *testing.T) {
	reg := sessions.NewRegistry(slog.Default())

	failing, ft := newFakeSession("bad", sessions.FamilyStreamable)
	ft.closeErr = errors.New("close failed")
	healthy, ht := newFakeSession("good", sessions.FamilyLegacySSE)
	require.NoError(t, reg.Insert(failing))
	require.NoError(t, reg.Insert(healthy))

	require.NoError(t, reg.Drain(context.Background()), "drain is best-effort and must not surface close errors")

	assert.Equal(t, int32(1), ft.closes.Load())
	assert.Equal(t, int32(1), ht.closes.Load())
	assert.Equal(t, 0, reg.Len())
}
