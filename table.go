package cobase

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoctorEvidence/cobase/internal/util"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/log"
	"github.com/DoctorEvidence/cobase/peer"
	"github.com/DoctorEvidence/cobase/store"
)

const initPoll = 25 * time.Millisecond

// table is the non-generic part of a cached table: its store, bookkeeping,
// listeners and the processes it shares the file with.
type table struct {
	m       *Manager
	name    string
	version uint64
	st      *store.Store
	meta    *tableMeta
	log     Logger
	hooks   Hooks

	peerMu sync.Mutex
	peers  map[int]struct{}

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextSub   int

	// onRemote handles an update another process made to this table.
	onRemote func(ctx context.Context, e Event)
	// initData runs in the process that initializes the table.
	initData func(ctx context.Context) error
	// onClose runs first when the table closes.
	onClose func()

	bg     sync.WaitGroup
	closed atomic.Bool
}

func newTable(m *Manager, name string, version uint64) *table {
	return &table{
		m:         m,
		name:      name,
		version:   version,
		log:       log.With(m.log, Fields{"table": name}),
		hooks:     m.hooks,
		peers:     make(map[int]struct{}),
		listeners: make(map[int]Listener),
	}
}

func (t *table) Name() string { return t.name }

// Store exposes the table's underlying store.
func (t *table) Store() *store.Store { return t.st }

// TransformVersion is the schema version the table was declared with.
func (t *table) TransformVersion() uint64 { return t.version }

// open attaches the table to its file, registers this process and runs or
// waits for data initialization. On error the caller closes the table.
func (t *table) open(ctx context.Context) error {
	cfg := t.m.cfg
	st, err := t.m.pool.Open(filepath.Join(cfg.Dir, t.name+".mdb"), store.Options{
		Name:         t.name,
		MapSize:      cfg.MapSize,
		WriteMap:     cfg.WriteMap,
		ClearOnStart: cfg.ClearOnStart,
		CommitDelay:  cfg.CommitDelay,
		Logger:       t.log,
		Hooks:        t.hooks,
	})
	if err != nil {
		return err
	}
	t.st = st
	if t.meta, err = loadMeta(ctx, st, t.log); err != nil {
		return err
	}
	t.m.ledger.Observe(t.meta.lastVersion())
	t.m.ledger.Observe(t.meta.State().StartVersion)
	claimed, initPID, err := t.register(ctx)
	if err != nil {
		return err
	}
	if msgr := t.m.msgr; msgr != nil {
		if err := msgr.Join(t.name, t.receive); err != nil {
			return err
		}
		t.sendPeers(ctx, peer.Message{Table: t.name, Kind: peer.KindHello, From: t.m.pid})
	}
	switch {
	case claimed:
		return t.initialize(ctx)
	case initPID != 0:
		return t.waitInitialized(ctx)
	}
	return nil
}

// register records this process in the table and decides who initializes
// it: the first process to open a table with no other live users, unless a
// live process is already initializing.
func (t *table) register(ctx context.Context) (claimed bool, initPID int, err error) {
	self := t.m.pid
	known, err := t.scanPeers(ctx)
	if err != nil {
		return false, 0, err
	}
	var live, dead []int
	for _, pid := range known {
		switch {
		case pid == self:
		case t.alive(pid):
			live = append(live, pid)
		default:
			dead = append(dead, pid)
		}
	}
	_, err = t.st.Transaction(ctx, func(ctx context.Context) error {
		claimed, initPID = false, 0
		for _, pid := range dead {
			if err := t.st.RemoveSync(ctx, util.ProcessKey(pid)); err != nil {
				return err
			}
		}
		var ms [8]byte
		binary.BigEndian.PutUint64(ms[:], uint64(time.Now().UnixMilli()))
		if err := t.st.PutSync(ctx, util.ProcessKey(self), ms[:]); err != nil {
			return err
		}
		b, ok, err := t.st.Get(ctx, util.KeyInitializing)
		if err != nil {
			return err
		}
		if ok && len(b) == 4 {
			initPID = int(binary.BigEndian.Uint32(b))
		}
		if initPID != 0 && initPID != self && t.alive(initPID) {
			return nil
		}
		// a marker left by a dead initializer means initialization never finished
		orphaned := initPID != 0
		initPID = 0
		if t.m.cfg.SkipInitialization || (len(live) > 0 && !orphaned) {
			return nil
		}
		claimed = true
		return t.st.PutSync(ctx, util.KeyInitializing, pidBytes(self))
	})
	if err != nil {
		return false, 0, err
	}
	t.peerMu.Lock()
	for _, pid := range live {
		t.peers[pid] = struct{}{}
	}
	t.peerMu.Unlock()
	for _, pid := range dead {
		t.log.Info("forgot dead process", Fields{"pid": pid})
		t.hooks.PeerLost(t.name, pid)
	}
	return claimed, initPID, nil
}

func pidBytes(pid int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pid))
	return b
}

func (t *table) scanPeers(ctx context.Context) ([]int, error) {
	start, end := util.ProcessRange()
	var pids []int
	it := t.st.Iterate(ctx, store.Range{Start: start, End: end, KeysOnly: true})
	for it.Next() {
		if pid, ok := util.PIDFromKey(it.Key()); ok {
			pids = append(pids, pid)
		}
	}
	return pids, it.Err()
}

func (t *table) initialize(ctx context.Context) error {
	start := time.Now()
	var err error
	if t.initData != nil {
		err = t.initData(ctx)
	}
	if rerr := t.st.RemoveSync(ctx, util.KeyInitializing); err == nil {
		err = rerr
	}
	if err != nil {
		t.log.Error("table initialization failed", Fields{"err": err})
		return err
	}
	t.log.Debug("table initialized", Fields{"took": time.Since(start).String()})
	return nil
}

// waitInitialized blocks until the initializing process finishes, taking
// over when it dies first.
func (t *table) waitInitialized(ctx context.Context) error {
	wait := coalesce(t.m.cfg.InitWait, defaultInitWait)
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(initPoll)
	defer tick.Stop()
	for {
		b, ok, err := t.st.Get(ctx, util.KeyInitializing)
		if err != nil {
			return err
		}
		if !ok || len(b) != 4 {
			return nil
		}
		pid := int(binary.BigEndian.Uint32(b))
		if pid != t.m.pid && !t.alive(pid) {
			took, err := t.takeOver(ctx, pid)
			if err != nil || took {
				return err
			}
		}
		select {
		case <-ctx.Done():
			t.log.Warn("gave up waiting for initialization", Fields{"initializer": pid})
			return nil
		case <-tick.C:
		}
	}
}

// takeOver claims initialization from the dead process pid and runs it.
func (t *table) takeOver(ctx context.Context, pid int) (bool, error) {
	if t.m.cfg.SkipInitialization {
		return false, nil
	}
	claimed := false
	_, err := t.st.Transaction(ctx, func(ctx context.Context) error {
		claimed = false
		b, ok, err := t.st.Get(ctx, util.KeyInitializing)
		if err != nil || !ok || len(b) != 4 || int(binary.BigEndian.Uint32(b)) != pid {
			return err
		}
		claimed = true
		return t.st.PutSync(ctx, util.KeyInitializing, pidBytes(t.m.pid))
	})
	if err != nil || !claimed {
		return false, err
	}
	t.log.Info("taking over initialization", Fields{"from": pid})
	return true, t.initialize(ctx)
}

func (t *table) alive(pid int) bool {
	if t.m.msgr != nil {
		return t.m.msgr.Alive(pid)
	}
	return peer.ProcessAlive(pid)
}

// --------------------------------------------------------------------------
// Peers
// --------------------------------------------------------------------------

func (t *table) addPeer(pid int) {
	if pid == t.m.pid {
		return
	}
	t.peerMu.Lock()
	t.peers[pid] = struct{}{}
	t.peerMu.Unlock()
}

func (t *table) removePeer(pid int) {
	t.peerMu.Lock()
	delete(t.peers, pid)
	t.peerMu.Unlock()
}

func (t *table) peerList() []int {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()
	pids := make([]int, 0, len(t.peers))
	for pid := range t.peers {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// livePeers returns the peers that still run, forgetting the others.
func (t *table) livePeers(ctx context.Context) []int {
	var live []int
	for _, pid := range t.peerList() {
		if t.alive(pid) {
			live = append(live, pid)
		} else {
			t.forgetPeer(ctx, pid)
		}
	}
	return live
}

// forgetPeer drops a dead process: its marker goes and, when it was
// initializing the table, this process takes over.
func (t *table) forgetPeer(ctx context.Context, pid int) {
	t.peerMu.Lock()
	_, known := t.peers[pid]
	delete(t.peers, pid)
	t.peerMu.Unlock()
	if !known {
		return
	}
	t.log.Info("peer gone", Fields{"pid": pid})
	t.hooks.PeerLost(t.name, pid)
	if err := t.st.RemoveSync(ctx, util.ProcessKey(pid)); err != nil {
		t.log.Warn("failed to remove process marker", Fields{"pid": pid, "err": err})
	}
	b, ok, err := t.st.Get(ctx, util.KeyInitializing)
	if err == nil && ok && len(b) == 4 && int(binary.BigEndian.Uint32(b)) == pid {
		t.bg.Add(1)
		go func() {
			defer t.bg.Done()
			if _, err := t.takeOver(context.Background(), pid); err != nil {
				t.log.Error("initialization takeover failed", Fields{"err": err})
			}
		}()
	}
}

// remoteOwner returns the process that persists the consequences of a
// change made by process source: source itself when it has this table open,
// otherwise the lowest live pid.
func (t *table) remoteOwner(ctx context.Context, source int) int {
	own := t.m.pid
	for _, pid := range t.livePeers(ctx) {
		if pid == source {
			return source
		}
		if pid < own {
			own = pid
		}
	}
	return own
}

func (t *table) sendPeers(ctx context.Context, msg peer.Message) {
	msgr := t.m.msgr
	if msgr == nil {
		return
	}
	for _, pid := range t.peerList() {
		if err := msgr.Send(ctx, pid, msg); err != nil {
			if !t.alive(pid) {
				t.forgetPeer(ctx, pid)
				continue
			}
			t.log.Warn("failed to notify peer", Fields{"pid": pid, "err": err})
		}
	}
}

// receive is the messenger handler of the table.
func (t *table) receive(msg peer.Message) {
	if t.closed.Load() || msg.From == t.m.pid {
		return
	}
	switch msg.Kind {
	case peer.KindHello:
		t.addPeer(msg.From)
	case peer.KindBye:
		t.removePeer(msg.From)
	case peer.KindUpdate:
		t.addPeer(msg.From)
		id, err := util.ParseKey(msg.Key)
		if err != nil {
			t.log.Warn("update for malformed key", Fields{"from": msg.From, "err": err})
			return
		}
		t.m.ledger.Observe(msg.Version)
		t.meta.note(msg.Version)
		if t.onRemote != nil {
			t.onRemote(context.Background(), Event{
				Table:   t.name,
				Type:    EventType(msg.Event),
				ID:      id,
				Version: msg.Version,
				Source:  msg.From,
			})
		}
	}
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Subscribe registers l for every change of the table. The returned func
// removes it.
func (t *table) Subscribe(l Listener) func() {
	t.lmu.Lock()
	id := t.nextSub
	t.nextSub++
	t.listeners[id] = l
	t.lmu.Unlock()
	return func() {
		t.lmu.Lock()
		delete(t.listeners, id)
		t.lmu.Unlock()
	}
}

func (t *table) notify(ctx context.Context, e Event) {
	t.lmu.RLock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.lmu.RUnlock()
	for _, l := range ls {
		l.Updated(ctx, e)
	}
}

// publish tells listeners about a local change and forwards it to peers.
func (t *table) publish(ctx context.Context, e Event) {
	t.notify(ctx, e)
	t.sendPeers(ctx, peer.Message{
		Table:   t.name,
		Kind:    peer.KindUpdate,
		Event:   uint8(e.Type),
		Key:     e.ID.Key(),
		Version: e.Version,
		From:    t.m.pid,
	})
}

// --------------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------------

// IDs lists stored ids in key order within [from, to). Zero ids leave that
// side open.
func (t *table) IDs(ctx context.Context, from, to ID) ([]ID, error) {
	r := store.Range{Start: []byte{util.RowStart}, KeysOnly: true}
	if from != (ID{}) {
		r.Start = from.Key()
	}
	if to != (ID{}) {
		r.End = to.Key()
	}
	var ids []ID
	it := t.st.Iterate(ctx, r)
	for it.Next() {
		id, err := util.ParseKey(it.Key())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, it.Err()
}

// IDsAndVersionsSince lists the ids whose stored version is newer than
// since, oldest first. full is true when the table was reset after since,
// in which case every stored id is listed.
func (t *table) IDsAndVersionsSince(ctx context.Context, since uint64) ([]IDVersion, bool, error) {
	full := t.meta.State().StartVersion > since
	var out []IDVersion
	it := t.st.Iterate(ctx, store.Range{Start: []byte{util.RowStart}})
	for it.Next() {
		h, err := wire.HeaderOf(it.Value())
		if err != nil {
			continue
		}
		if !full && h.Version() <= since {
			continue
		}
		id, err := util.ParseKey(it.Key())
		if err != nil {
			continue
		}
		out = append(out, IDVersion{ID: id, Version: h.Version()})
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}
	slices.SortStableFunc(out, func(a, b IDVersion) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return out, full, nil
}

// LastVersion is the table's high-water mark.
func (t *table) LastVersion() uint64 { return t.meta.lastVersion() }

// close leaves the peer group and releases the store.
func (t *table) close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.onClose != nil {
		t.onClose()
	}
	if msgr := t.m.msgr; msgr != nil {
		msgr.Leave(t.name)
		t.sendPeers(ctx, peer.Message{Table: t.name, Kind: peer.KindBye, From: t.m.pid})
	}
	t.bg.Wait()
	if t.st == nil {
		return nil
	}
	if t.meta != nil {
		t.meta.close()
	}
	err := t.st.Flush(ctx)
	if rerr := t.st.RemoveSync(ctx, util.ProcessKey(t.m.pid)); err == nil {
		err = rerr
	}
	if cerr := t.st.Close(); err == nil {
		err = cerr
	}
	return err
}
