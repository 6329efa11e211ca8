package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

func recvNoSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			// channel closed → that's fine; no further snapshots possible
			return
		}
		t.Fatalf("expected no snapshot within %v, but got: %+v", within, s)
	case <-time.After(within):
		// good: no snapshot
	}
}

func newTestLobby(t *testing.T, opts Options) (*Lobby, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	opts.Logger = zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewLobby(ctx, opts), logs
}

func msg(typ, data string) Message {
	m := Message{Type: typ}
	if data != "" {
		m.Data = json.RawMessage(data)
	}
	return m
}

func receive(t *testing.T, ctx context.Context, l *Lobby, m Message) bool {
	t.Helper()
	handled, err := l.Receive(ctx, m)
	require.NoError(t, err)
	return handled
}

func state(t *testing.T, l *Lobby) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := l.State(ctx)
	require.NoError(t, err)
	return v
}

func hookIDs(hooks []seek.Hook) []seek.ID {
	out := []seek.ID{}
	for _, h := range hooks {
		out = append(out, h.ID)
	}
	return out
}

func openHook(id string) Message {
	return msg(TypeHookAdd, `{"id":"`+id+`","action":"open","variant":"standard","s":1,"t":"5+0","ra":1,"rating":1500}`)
}

func cancelHook(id string) Message {
	return msg(TypeHookAdd, `{"id":"`+id+`","action":"cancel","variant":"standard","s":1,"t":"5+0","ra":1,"rating":1500}`)
}

func waitLog(t *testing.T, logs *observer.ObservedLogs, message string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return logs.FilterMessage(message).Len() >= n
	}, time.Second, 5*time.Millisecond, "waiting for log %q", message)
}

func TestLobby_HookAdd_BroadcastsSnapshotAndVersionIncrements(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	out := make(chan Snapshot, 4)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}

	first := recvSnapshot(t, out, 100*time.Millisecond)
	require.Equal(t, 0, first.Version)
	require.Empty(t, first.Hooks)
	require.Equal(t, TabRealTime, first.Tab)

	require.True(t, receive(t, ctx, l, openHook("1")))

	next := recvSnapshot(t, out, 100*time.Millisecond)
	require.Equal(t, 1, next.Version)
	require.Equal(t, []seek.ID{"1"}, hookIDs(next.Hooks))
	require.Equal(t, 1500, *next.Hooks[0].Rating)
}

func TestLobby_TombstoneRenderedOnceThenPurged(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	out := make(chan Snapshot, 8)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	require.True(t, receive(t, ctx, l, openHook("1")))
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	require.True(t, receive(t, ctx, l, cancelHook("1")))
	withTombstone := recvSnapshot(t, out, 100*time.Millisecond)
	require.Len(t, withTombstone.Hooks, 1)
	require.True(t, withTombstone.Hooks[0].IsTombstone())

	require.Empty(t, state(t, l).Hooks)

	require.True(t, receive(t, ctx, l, openHook("2")))
	after := recvSnapshot(t, out, 100*time.Millisecond)
	require.Equal(t, []seek.ID{"2"}, hookIDs(after.Hooks))
}

func TestLobby_SyncIDsReconciles(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.True(t, receive(t, ctx, l, openHook(id)))
	}
	require.True(t, receive(t, ctx, l, msg(TypeHookList, `"2,3"`)))

	require.Equal(t, []seek.ID{"2", "3"}, hookIDs(state(t, l).Hooks))
}

func TestLobby_RemoveAcceptsNumericID(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, openHook("7")))
	require.True(t, receive(t, ctx, l, msg(TypeHookRemove, `7`)))
	require.True(t, receive(t, ctx, l, msg(TypeHookRemove, `"missing"`)))

	require.Empty(t, state(t, l).Hooks)
}

func TestLobby_UnknownTypeLeavesStateUnchanged(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, openHook("1")))
	before := state(t, l)

	require.False(t, receive(t, ctx, l, msg("chat_message", `{"text":"gl"}`)))
	require.False(t, receive(t, ctx, l, msg("", "")))

	require.Equal(t, before, state(t, l))
}

func TestLobby_MalformedPayloadIsIgnored(t *testing.T) {
	l, logs := newTestLobby(t, Options{})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, msg(TypeHookAdd, `"nope"`)))
	require.True(t, receive(t, ctx, l, msg(TypeHookList, `42`)))

	v := state(t, l)
	require.Empty(t, v.Hooks)
	require.Equal(t, 0, v.Version)
	require.Equal(t, 1, logs.FilterMessage("dropping malformed hook").Len())
}

func TestLobby_SeeksTabSkipsRedrawAndPurgesTombstones(t *testing.T) {
	l, _ := newTestLobby(t, Options{})
	ctx := context.Background()

	out := make(chan Snapshot, 8)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	l.Inbox() <- SetTab{Tab: TabSeeks}
	tabSnap := recvSnapshot(t, out, 100*time.Millisecond)
	require.Equal(t, TabSeeks, tabSnap.Tab)

	require.True(t, receive(t, ctx, l, openHook("1")))
	require.True(t, receive(t, ctx, l, openHook("2")))
	require.True(t, receive(t, ctx, l, cancelHook("1")))
	recvNoSnapshot(t, out, 50*time.Millisecond)

	require.Equal(t, []seek.ID{"2"}, hookIDs(state(t, l).Hooks))
}

func TestLobby_DropSlowClient(t *testing.T) {
	l, _ := newTestLobby(t, Options{})

	clientOut := make(chan Snapshot, 1)
	l.Inbox() <- Join{ClientID: "ch1", Outbox: clientOut}

	require.True(t, receive(t, context.Background(), l, openHook("1")))

	require.Equal(t, 0, state(t, l).NumClients)
}

func TestLobby_ShutdownClosesOutboxes(t *testing.T) {
	l, _ := newTestLobby(t, Options{})

	out := make(chan Snapshot, 2)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	l.Inbox() <- Shutdown{}

	select {
	case _, ok := <-out:
		require.False(t, ok, "expected outbox to be closed")
	case <-time.After(time.Second):
		t.Fatalf("outbox not closed after shutdown")
	}
	<-l.Done()
	handled, err := l.Receive(context.Background(), openHook("1"))
	require.False(t, handled)
	require.ErrorIs(t, err, ErrClosed)
	_, err = l.State(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

type result struct {
	snap seek.Snapshot
	err  error
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []chan result
}

func (f *fakeFetcher) FetchSeeks(ctx context.Context) (seek.Snapshot, error) {
	ch := make(chan result, 1)
	f.mu.Lock()
	f.calls = append(f.calls, ch)
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r.snap, r.err
	case <-ctx.Done():
		return seek.Snapshot{}, ctx.Err()
	}
}

func (f *fakeFetcher) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) >= n
	}, time.Second, 5*time.Millisecond)
}

func (f *fakeFetcher) respond(i int, snap seek.Snapshot, err error) {
	f.mu.Lock()
	ch := f.calls[i]
	f.mu.Unlock()
	ch <- result{snap: snap, err: err}
}

func snapshotOf(version int64, ids ...string) seek.Snapshot {
	s := seek.Snapshot{Version: version}
	for _, id := range ids {
		s.Hooks = append(s.Hooks, seek.Hook{ID: seek.ID(id), Action: seek.ActionOpen, Variant: "standard", Speed: 3, TimeControl: "10+0"})
	}
	return s
}

func TestLobby_ReloadReplacesWholesale(t *testing.T) {
	f := &fakeFetcher{}
	l, _ := newTestLobby(t, Options{Fetcher: f})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, openHook("1")))
	require.True(t, receive(t, ctx, l, openHook("2")))

	out := make(chan Snapshot, 4)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 1)
	f.respond(0, snapshotOf(0, "3", "4"), nil)

	snap := recvSnapshot(t, out, time.Second)
	require.Equal(t, []seek.ID{"3", "4"}, hookIDs(snap.Hooks))
	require.Equal(t, []seek.ID{"3", "4"}, hookIDs(state(t, l).Hooks))
}

func TestLobby_StaleReloadDiscarded(t *testing.T) {
	f := &fakeFetcher{}
	l, logs := newTestLobby(t, Options{Fetcher: f})
	ctx := context.Background()

	delta := openHook("1")
	delta.Version = 10
	require.True(t, receive(t, ctx, l, delta))

	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 1)
	f.respond(0, snapshotOf(7, "9"), nil)
	waitLog(t, logs, "stale resync discarded", 1)
	require.Equal(t, []seek.ID{"1"}, hookIDs(state(t, l).Hooks))

	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 2)
	f.respond(1, snapshotOf(11, "9"), nil)
	waitLog(t, logs, "resync applied", 1)
	require.Equal(t, []seek.ID{"9"}, hookIDs(state(t, l).Hooks))
}

func TestLobby_SupersededReloadDiscarded(t *testing.T) {
	f := &fakeFetcher{}
	l, logs := newTestLobby(t, Options{Fetcher: f})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 1)
	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 2)

	f.respond(1, snapshotOf(0, "new"), nil)
	waitLog(t, logs, "resync applied", 1)
	f.respond(0, snapshotOf(0, "old"), nil)
	waitLog(t, logs, "superseded resync discarded", 1)

	require.Equal(t, []seek.ID{"new"}, hookIDs(state(t, l).Hooks))
}

func TestLobby_ReloadFailureKeepsState(t *testing.T) {
	f := &fakeFetcher{}
	l, logs := newTestLobby(t, Options{Fetcher: f})
	ctx := context.Background()

	require.True(t, receive(t, ctx, l, openHook("1")))
	require.True(t, receive(t, ctx, l, msg(TypeReloadSeeks, "")))
	f.waitCalls(t, 1)
	f.respond(0, seek.Snapshot{}, errors.New("db down"))
	waitLog(t, logs, "resync fetch failed", 1)

	require.Equal(t, []seek.ID{"1"}, hookIDs(state(t, l).Hooks))
}

type recordingFeature struct {
	mu     sync.Mutex
	seen   []string
	closed bool
}

func (f *recordingFeature) Receive(typ string, _ json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, typ)
}

func (f *recordingFeature) Report() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]float64{"messages": float64(len(f.seen))}
}

func (f *recordingFeature) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *recordingFeature) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type loadResult struct {
	feature Feature
	err     error
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []chan loadResult
}

func (f *fakeLoader) load(ctx context.Context) (Feature, error) {
	ch := make(chan loadResult, 1)
	f.mu.Lock()
	f.calls = append(f.calls, ch)
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r.feature, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLoader) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) >= n
	}, time.Second, 5*time.Millisecond)
}

func (f *fakeLoader) respond(i int, feature Feature, err error) {
	f.mu.Lock()
	ch := f.calls[i]
	f.mu.Unlock()
	ch <- loadResult{feature: feature, err: err}
}

func waitFeature(t *testing.T, l *Lobby, want FeatureState) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := l.State(context.Background())
		return err == nil && v.Feature == want
	}, time.Second, 5*time.Millisecond, "waiting for feature %s", want)
}

func TestLobby_FeatureDisableDuringLoadWins(t *testing.T) {
	loader := &fakeLoader{}
	prefs := make(chan Preference)
	l, logs := newTestLobby(t, Options{Loader: loader.load, Preferences: prefs})

	prefs <- Preference{SoundSet: SoundSetMusic}
	require.Equal(t, FeatureLoading, state(t, l).Feature)

	prefs <- Preference{SoundSet: "standard"}
	require.Equal(t, FeatureAbsent, state(t, l).Feature)

	loader.waitCalls(t, 1)
	late := &recordingFeature{}
	loader.respond(0, late, nil)
	waitLog(t, logs, "stale feature load discarded", 1)

	v := state(t, l)
	require.Equal(t, FeatureAbsent, v.Feature)
	require.Equal(t, ModeList, v.Mode)
	require.True(t, late.isClosed())
}

func TestLobby_FeatureSeesEveryMessageFirst(t *testing.T) {
	loader := &fakeLoader{}
	prefs := make(chan Preference)
	l, _ := newTestLobby(t, Options{Loader: loader.load, Preferences: prefs})
	ctx := context.Background()

	out := make(chan Snapshot, 4)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	prefs <- Preference{SoundSet: SoundSetMusic}
	prefs <- Preference{SoundSet: SoundSetMusic} // already loading, no second load
	loader.waitCalls(t, 1)
	f := &recordingFeature{}
	loader.respond(0, f, nil)

	chart := recvSnapshot(t, out, time.Second)
	require.Equal(t, ModeChart, chart.Mode)
	waitFeature(t, l, FeatureActive)

	require.True(t, receive(t, ctx, l, openHook("1")))
	require.False(t, receive(t, ctx, l, msg("chat_message", `{}`)))

	v := state(t, l)
	require.Equal(t, map[string]float64{"messages": 2}, v.Activity)
	f.mu.Lock()
	require.Equal(t, []string{TypeHookAdd, "chat_message"}, f.seen)
	f.mu.Unlock()

	prefs <- Preference{SoundSet: "silent"}
	v = state(t, l)
	require.Equal(t, FeatureAbsent, v.Feature)
	require.Equal(t, ModeList, v.Mode)
	require.Nil(t, v.Activity)
	require.True(t, f.isClosed())

	loader.mu.Lock()
	require.Len(t, loader.calls, 1)
	loader.mu.Unlock()
}

func TestLobby_FeatureLoadFailureAllowsRetry(t *testing.T) {
	loader := &fakeLoader{}
	prefs := make(chan Preference)
	l, logs := newTestLobby(t, Options{Loader: loader.load, Preferences: prefs})

	prefs <- Preference{SoundSet: SoundSetMusic}
	loader.waitCalls(t, 1)
	loader.respond(0, nil, errors.New("warmup query failed"))
	waitLog(t, logs, "feature load failed", 1)
	require.Equal(t, FeatureAbsent, state(t, l).Feature)

	prefs <- Preference{SoundSet: SoundSetMusic}
	loader.waitCalls(t, 2)
	loader.respond(1, &recordingFeature{}, nil)
	waitFeature(t, l, FeatureActive)
}

func TestLobby_FeatureWithoutLoaderStaysAbsent(t *testing.T) {
	prefs := make(chan Preference)
	l, _ := newTestLobby(t, Options{Preferences: prefs})

	prefs <- Preference{SoundSet: SoundSetMusic}
	require.Equal(t, FeatureAbsent, state(t, l).Feature)

	close(prefs)
	require.True(t, receive(t, context.Background(), l, openHook("1")))
}

func TestLobby_FeatureLoadErrorClosesPartialFeature(t *testing.T) {
	loader := &fakeLoader{}
	prefs := make(chan Preference)
	l, logs := newTestLobby(t, Options{Loader: loader.load, Preferences: prefs})

	prefs <- Preference{SoundSet: SoundSetMusic}
	loader.waitCalls(t, 1)
	partial := &recordingFeature{}
	loader.respond(0, partial, errors.New("warmup query failed"))
	waitLog(t, logs, "feature load failed", 1)

	v := state(t, l)
	require.Equal(t, FeatureAbsent, v.Feature)
	require.Equal(t, ModeList, v.Mode)
	require.True(t, partial.isClosed())
}
