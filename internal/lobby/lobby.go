package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

var ErrClosed = errors.New("lobby closed")

type Msg interface{ isLobbyMsg() }

type Inbound struct {
	Message Message
	Reply   chan bool // optional; receives whether the type was handled
}

func (Inbound) isLobbyMsg() {}

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type SetTab struct{ Tab Tab }

func (SetTab) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

// Completions of the asynchronous tasks, posted back by their goroutines.
type featureLoaded struct {
	gen     uint64
	feature Feature
	err     error
}

func (featureLoaded) isLobbyMsg() {}

type reloadDone struct {
	gen  uint64
	snap seek.Snapshot
	err  error
}

func (reloadDone) isLobbyMsg() {}

// Snapshot is what subscribers receive on every redraw. Hooks is a copy.
type Snapshot struct {
	Version int
	Tab     Tab
	Mode    Mode
	Hooks   []seek.Hook
}

type View struct {
	Version    int
	NumClients int
	Tab        Tab
	Mode       Mode
	Feature    FeatureState
	Hooks      []seek.Hook
	Activity   map[string]float64
}

type Options struct {
	Fetcher     Fetcher
	Loader      Loader
	Preferences <-chan Preference
	Logger      *zap.Logger
	InboxSize   int
}

// Lobby is the message dispatcher for one lobby view. All state is owned by
// the loop goroutine; every message runs to completion before the next.
type Lobby struct {
	inbox   chan Msg
	prefs   <-chan Preference
	repo    *seek.Repository
	version int
	clients map[string]chan Snapshot
	tab     Tab
	mode    Mode
	purge   []seek.ID // tombstones waiting for one redraw

	fetcher   Fetcher
	reloadGen uint64
	lastDelta int64

	loader       Loader
	feature      Feature
	featureState FeatureState
	featureGen   uint64

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewLobby(parent context.Context, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}

	l := &Lobby{
		inbox:        make(chan Msg, opts.InboxSize),
		prefs:        opts.Preferences,
		repo:         seek.NewRepository(),
		clients:      make(map[string]chan Snapshot),
		tab:          TabRealTime,
		mode:         ModeList,
		fetcher:      opts.Fetcher,
		loader:       opts.Loader,
		featureState: FeatureAbsent,
		log:          opts.Logger.Named("lobby"),
		ctx:          ctx,
		cancel:       cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case p, ok := <-l.prefs:
			if !ok {
				l.prefs = nil // source gone, stop selecting on it
				continue
			}
			l.setPreference(p)

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Inbound:
				handled := l.receive(msg.Message)
				if msg.Reply != nil {
					msg.Reply <- handled
				}

			case Join:
				// Register client + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- l.snapshot()

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
				}

			case SetTab:
				if msg.Tab == l.tab {
					break
				}
				l.tab = msg.Tab
				l.redraw()

			case GetState:
				msg.Reply <- l.view()

			case featureLoaded:
				l.featureLoaded(msg)

			case reloadDone:
				l.reloadDone(msg)

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) receive(m Message) bool {
	if l.feature != nil {
		l.feature.Receive(m.Type, m.Data)
	}

	switch m.Type {
	case TypeHookAdd:
		var h seek.Hook
		if err := json.Unmarshal(m.Data, &h); err != nil {
			l.log.Warn("dropping malformed hook", zap.Error(err))
			return true
		}
		l.noteDelta(m.Version)
		l.repo.Upsert(h)
		if h.IsTombstone() {
			l.purge = append(l.purge, h.ID)
		}
		l.changed()

	case TypeHookRemove:
		var id seek.ID
		if err := json.Unmarshal(m.Data, &id); err != nil {
			l.log.Warn("dropping malformed hook removal", zap.Error(err))
			return true
		}
		l.noteDelta(m.Version)
		l.repo.Remove(id)
		l.changed()

	case TypeHookList:
		var list string
		if err := json.Unmarshal(m.Data, &list); err != nil {
			l.log.Warn("dropping malformed hook list", zap.Error(err))
			return true
		}
		l.noteDelta(m.Version)
		before := l.repo.Len()
		l.repo.Reconcile(seek.ParseIDs(list))
		if dropped := before - l.repo.Len(); dropped > 0 {
			l.log.Debug("reconciled missed removals", zap.Int("dropped", dropped))
		}
		l.changed()

	case TypeReloadSeeks:
		l.reload()

	default:
		return false
	}
	return true
}

func (l *Lobby) noteDelta(v int64) {
	if v > l.lastDelta {
		l.lastDelta = v
	}
}

// changed bumps the version and redraws if the live tab is showing.
func (l *Lobby) changed() {
	l.version++
	if l.tab == TabRealTime {
		l.redraw()
		return
	}
	l.flushTombstones()
}

func (l *Lobby) redraw() {
	l.broadcast(l.snapshot())
	l.flushTombstones()
}

// flushTombstones purges cancelled hooks once a redraw had the chance to show them.
func (l *Lobby) flushTombstones() {
	if len(l.purge) == 0 {
		return
	}
	for _, id := range l.purge {
		if h, ok := l.repo.Get(id); ok && h.IsTombstone() {
			l.repo.Remove(id)
		}
	}
	l.purge = l.purge[:0]
	l.version++
}

func (l *Lobby) reload() {
	if l.fetcher == nil {
		l.log.Debug("reload requested without a fetcher")
		return
	}
	l.reloadGen++
	gen := l.reloadGen
	go func() {
		snap, err := l.fetcher.FetchSeeks(l.ctx)
		l.post(reloadDone{gen: gen, snap: snap, err: err})
	}()
}

func (l *Lobby) reloadDone(msg reloadDone) {
	if msg.gen != l.reloadGen {
		l.log.Debug("superseded resync discarded", zap.Uint64("gen", msg.gen))
		return
	}
	if msg.err != nil {
		l.log.Warn("resync fetch failed", zap.Error(msg.err))
		return
	}
	if msg.snap.Version != 0 && msg.snap.Version < l.lastDelta {
		l.log.Info("stale resync discarded",
			zap.Int64("snapshot_version", msg.snap.Version),
			zap.Int64("last_delta", l.lastDelta))
		return
	}

	l.repo.Reset(msg.snap.Hooks)
	l.noteDelta(msg.snap.Version)
	l.purge = append(l.purge, l.repo.Tombstones()...)
	l.version++
	l.log.Debug("resync applied", zap.Int("hooks", l.repo.Len()))
	l.redraw()
}

func (l *Lobby) setPreference(p Preference) {
	want := p.SoundSet == SoundSetMusic
	switch {
	case want && l.featureState == FeatureAbsent:
		l.enableFeature()
	case !want && l.featureState != FeatureAbsent:
		l.disableFeature()
	}
}

func (l *Lobby) enableFeature() {
	if l.loader == nil {
		l.log.Debug("feature enable ignored: no loader")
		return
	}
	l.featureGen++
	gen := l.featureGen
	l.featureState = FeatureLoading
	go func() {
		f, err := l.loader(l.ctx)
		l.post(featureLoaded{gen: gen, feature: f, err: err})
	}()
}

func (l *Lobby) disableFeature() {
	l.featureGen++
	l.featureState = FeatureAbsent
	closeFeature(l.feature)
	l.feature = nil
	if l.mode == ModeChart {
		l.mode = ModeList
		l.redraw()
	}
}

func (l *Lobby) featureLoaded(msg featureLoaded) {
	if msg.gen != l.featureGen || l.featureState != FeatureLoading {
		l.log.Debug("stale feature load discarded", zap.Uint64("gen", msg.gen))
		closeFeature(msg.feature)
		return
	}
	if msg.err != nil || msg.feature == nil {
		l.log.Warn("feature load failed", zap.Error(msg.err))
		closeFeature(msg.feature)
		l.featureState = FeatureAbsent
		return
	}

	l.feature = msg.feature
	l.featureState = FeatureActive
	l.mode = ModeChart
	l.redraw()
}

func closeFeature(f Feature) {
	if c, ok := f.(io.Closer); ok {
		_ = c.Close()
	}
}

// post hands a completion back to the loop, giving up once the lobby is gone.
func (l *Lobby) post(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.ctx.Done():
	}
}

func (l *Lobby) snapshot() Snapshot {
	return Snapshot{Version: l.version, Tab: l.tab, Mode: l.mode, Hooks: l.repo.Snapshot()}
}

func (l *Lobby) view() View {
	v := View{
		Version:    l.version,
		NumClients: len(l.clients),
		Tab:        l.tab,
		Mode:       l.mode,
		Feature:    l.featureState,
		Hooks:      l.repo.Snapshot(),
	}
	if r, ok := l.feature.(Reporter); ok {
		v.Activity = r.Report()
	}
	return v
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // Tell client no more snapshots
		delete(l.clients, id)
	}
	closeFeature(l.feature)
	l.feature = nil
	l.cancel()
}

func (l *Lobby) broadcast(snap Snapshot) {
	for id, ch := range l.clients {
		select {
		case ch <- snap:
			//ok
		default:
			// Client is slow/full - drop them.
			l.log.Info("dropping slow subscriber", zap.String("client", id))
			close(ch)
			delete(l.clients, id)
		}
	}
}

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Receive dispatches m and reports whether its type was recognised. The error
// is ErrClosed once the lobby has stopped, or ctx's error.
func (l *Lobby) Receive(ctx context.Context, m Message) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case l.inbox <- Inbound{Message: m, Reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-l.ctx.Done():
		return false, ErrClosed
	}
	select {
	case handled := <-reply:
		return handled, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-l.ctx.Done():
		return false, ErrClosed
	}
}

func (l *Lobby) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case l.inbox <- GetState{Reply: reply}:
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-l.ctx.Done():
		return View{}, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-l.ctx.Done():
		return View{}, ErrClosed
	}
}

// Done is closed once the lobby has shut down.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }
