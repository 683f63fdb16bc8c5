package replication

import (
	"errors"
	"slices"
	"testing"

	"github.com/QYUbit/snapnet/internal/testkit"
	"github.com/QYUbit/snapnet/pkg/diff"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/geom"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/snapshot"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/watch"
)

type sent struct {
	peer string
	data []byte
	opts transport.SendOptions
}

type outbox struct {
	sent []sent
}

func (o *outbox) Send(peer string, data []byte, opts transport.SendOptions) error {
	o.sent = append(o.sent, sent{peer: peer, data: slices.Clone(data), opts: opts})
	return nil
}

func (o *outbox) take() []sent {
	s := o.sent
	o.sent = nil
	return s
}

type rig struct {
	world  *ecs.World
	watch  *watch.System
	hist   *history.Ring
	out    *outbox
	sender *Sender
	frame  uint32
}

func newRig(cfg Config, opts ...SenderOption) *rig {
	types := testkit.Registry()
	comps := testkit.Compressors()
	r := &rig{
		world: ecs.NewWorld(types),
		hist:  history.New(256),
		out:   &outbox{},
	}
	r.watch = watch.New(r.world, comps, watch.ModeServer)
	r.sender = NewSender(cfg, r.out, r.world, r.hist, r.watch, comps, opts...)
	return r
}

func (r *rig) spawn(t *testing.T, rep ecs.Replicated, c any) ecs.EntityID {
	t.Helper()
	id := r.world.CreateEntity(ecs.SceneID)
	if _, err := ecs.Add(r.world, id, rep); err != nil {
		t.Fatal(err)
	}
	if _, err := r.world.AddComponent(id, 0, c); err != nil {
		t.Fatal(err)
	}
	return id
}

func (r *rig) step() []sent {
	r.frame++
	r.watch.Capture(r.frame)
	r.hist.Get(r.frame, true).CopyFrom(r.watch.Snapshot())
	r.sender.Tick(r.frame)
	return r.out.take()
}

func newReceiver() *Receiver {
	return NewReceiver(testkit.Registry(), testkit.Compressors())
}

func segments(t *testing.T, data []byte) (Header, []ecs.EntityID) {
	t.Helper()
	rc := newReceiver()
	if err := rc.handle(data); err != nil {
		t.Fatalf("packet does not parse: %v", err)
	}
	h, _, _ := ReadHeader(data)
	var ids []ecs.EntityID
	for _, d := range rc.Deltas() {
		ids = append(ids, d.Entity)
	}
	return h, ids
}

// Headers with and without link statistics survive encoding
func TestHeader(t *testing.T) {
	for _, h := range []Header{
		{Dirty: true, Seq: 7, Frame: 1 << 20, Parts: 3},
		{Reliable: true, NetStat: &NetStat{ServerTimeMs: 99, RTTMs: 40, LossPermille: 12}, Seq: 65535, Frame: 2},
	} {
		w := newPacker(64).w
		writeHeader(w, &h)
		w.WriteRaw([]byte{0xAB})
		got, rest, err := ReadHeader(w.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if got.Dirty != h.Dirty || got.Reliable != h.Reliable || got.Seq != h.Seq || got.Frame != h.Frame || got.Parts != h.Parts {
			t.Errorf("got %+v want %+v", got, h)
		}
		if (got.NetStat == nil) != (h.NetStat == nil) || (h.NetStat != nil && *got.NetStat != *h.NetStat) {
			t.Errorf("netstat %+v want %+v", got.NetStat, h.NetStat)
		}
		if !slices.Equal(rest, []byte{0xAB}) {
			t.Errorf("rest = %v", rest)
		}
		if len(w.Bytes())-1 != h.size() {
			t.Errorf("size %d, encoded %d", h.size(), len(w.Bytes())-1)
		}
	}
}

// Ack packets are flat sequence lists
func TestAcks(t *testing.T) {
	seqs, err := DecodeAcks(EncodeAcks([]uint16{1, 500, 65535}))
	if err != nil || !slices.Equal(seqs, []uint16{1, 500, 65535}) {
		t.Errorf("got %v, %v", seqs, err)
	}
	if _, err := DecodeAcks([]byte{1}); err == nil {
		t.Error("odd ack packet accepted")
	}
}

// Without changes the sender only emits a header only packet
func TestHeartbeat(t *testing.T) {
	r := newRig(DefaultConfig())
	r.sender.AddPeer("p")
	r.step()
	r.sender.HandleAck("p", EncodeAcks([]uint16{1}), false)
	r.step()
	r.sender.HandleAck("p", EncodeAcks([]uint16{2}), false)

	packets := r.step()
	if len(packets) != 1 {
		t.Fatalf("sent %d packets", len(packets))
	}
	h, rest, err := ReadHeader(packets[0].data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Dirty || h.Parts != 1 || len(rest) != 0 || h.NetStat == nil {
		t.Errorf("unexpected heartbeat %+v rest=%v", h, rest)
	}
}

// Diffs are batched into MTU sized packets and only the last carries the part count
func TestBatching(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 120
	r := newRig(cfg)
	for i := range 20 {
		r.spawn(t, ecs.Replicated{}, &testkit.Probe{F: float32(i), U: uint32(i)})
	}
	r.sender.AddPeer("p")

	packets := r.step()
	if len(packets) < 3 {
		t.Fatalf("expected several packets, got %d", len(packets))
	}
	rc := newReceiver()
	var entities []ecs.EntityID
	for i, p := range packets {
		if len(p.data) > cfg.MTU {
			t.Errorf("packet %d has %d bytes", i, len(p.data))
		}
		if p.opts.Reliable || p.opts.Channel != DataChannel {
			t.Errorf("packet %d options %+v", i, p.opts)
		}
		h, ids := segments(t, p.data)
		entities = append(entities, ids...)
		wantParts := uint8(0)
		if i == len(packets)-1 {
			wantParts = uint8(len(packets))
		}
		if h.Parts != wantParts {
			t.Errorf("packet %d parts = %d, want %d", i, h.Parts, wantParts)
		}
		if i < len(packets)-1 && rc.handle(p.data) == nil && rc.FrameComplete(1) {
			t.Errorf("frame complete after %d packets", i+1)
		}
		if i == len(packets)-1 {
			rc.handle(p.data)
		}
	}
	if !rc.FrameComplete(1) || rc.LastCompleteFrame() != 1 {
		t.Error("frame not complete after all parts")
	}
	if len(entities) != 21 {
		t.Errorf("sent %d segments, want scene plus 20 entities", len(entities))
	}
}

// Acks advance base frames and unchanged entities are skipped afterwards
func TestAckAdvancesBase(t *testing.T) {
	r := newRig(DefaultConfig())
	id := r.spawn(t, ecs.Replicated{}, &testkit.Probe{F: 1})
	r.sender.AddPeer("p")

	r.step()
	if b := r.sender.Base("p", id); b != 0 {
		t.Fatalf("base before ack = %d", b)
	}
	r.sender.HandleAck("p", EncodeAcks([]uint16{1}), false)
	r.step()
	if b := r.sender.Base("p", id); b != 1 {
		t.Fatalf("base after ack = %d", b)
	}

	ecs.Get[testkit.Probe](r.world, id).F = 2
	packets := r.step()
	rc := newReceiver()
	for _, p := range packets {
		rc.handle(p.data)
	}
	var found bool
	for _, d := range rc.Deltas() {
		if d.Entity == id {
			found = true
			if d.Base != 1 || d.Target != 3 || d.Full() {
				t.Errorf("delta %+v", d)
			}
		}
	}
	if !found {
		t.Fatal("changed entity not sent")
	}
}

// Entity diffs are throttled by their replication frequency once acknowledged
func TestFrequency(t *testing.T) {
	r := newRig(DefaultConfig())
	id := r.spawn(t, ecs.Replicated{Frequency: 4}, &testkit.Probe{})
	r.sender.AddPeer("p")

	var sentFrames []uint32
	for range 20 {
		ecs.Get[testkit.Probe](r.world, id).U++
		for _, p := range r.step() {
			h, ids := segments(t, p.data)
			if slices.Contains(ids, id) {
				sentFrames = append(sentFrames, h.Frame)
			}
			r.sender.HandleAck("p", EncodeAcks([]uint16{h.Seq}), false)
		}
	}
	if sentFrames[0] != 1 {
		t.Errorf("newly visible entity not sent at once: %v", sentFrames)
	}
	for _, f := range sentFrames[1:] {
		if (f+uint32(id))%4 != 0 {
			t.Errorf("sent on throttled frame %d", f)
		}
	}
	if len(sentFrames) != 6 {
		t.Errorf("sent on frames %v", sentFrames)
	}
}

// Private fields only reach the owning peer
func TestOwnerPrivacy(t *testing.T) {
	r := newRig(DefaultConfig())
	id := r.spawn(t, ecs.Replicated{Owner: "owner"}, &testkit.Secret{Code: 42, Label: "x"})
	r.sender.AddPeer("owner")
	r.sender.AddPeer("other")

	codes := map[string]any{}
	for _, p := range r.step() {
		rc := newReceiver()
		rc.handle(p.data)
		for _, d := range rc.Deltas() {
			if d.Entity != id {
				continue
			}
			dst := diffApply(t, d)
			codes[p.peer] = dst.Entity(id).Components[ecs.ComponentKey{Type: testkit.SecretType}].Fields[0].Value
		}
	}
	if codes["owner"] != int32(42) {
		t.Errorf("owner got code %v", codes["owner"])
	}
	if codes["other"] != int32(0) {
		t.Errorf("other got code %v", codes["other"])
	}
}

// Destroyed entities are announced until the removal is acknowledged
func TestRemoval(t *testing.T) {
	r := newRig(DefaultConfig())
	id := r.spawn(t, ecs.Replicated{}, &testkit.Probe{})
	r.sender.AddPeer("p")
	r.step()
	r.sender.HandleAck("p", EncodeAcks([]uint16{1}), false)
	r.step()

	r.world.Destroy(id)
	removedIn := func(packets []sent) (uint16, bool) {
		for _, p := range packets {
			rc := newReceiver()
			rc.handle(p.data)
			for _, d := range rc.Deltas() {
				if d.Entity == id && d.Full() {
					h, _, _ := ReadHeader(p.data)
					return h.Seq, true
				}
			}
		}
		return 0, false
	}

	if _, ok := removedIn(r.step()); !ok {
		t.Fatal("removal not sent")
	}
	seq, ok := removedIn(r.step())
	if !ok {
		t.Fatal("unacknowledged removal not resent")
	}
	r.sender.HandleAck("p", EncodeAcks([]uint16{seq}), false)
	if _, ok := removedIn(r.step()); ok {
		t.Error("removal still sent after ack")
	}
}

// Diffs too large for one packet fall back to a reliable full sync
func TestReliableFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 40
	r := newRig(cfg)
	id := r.spawn(t, ecs.Replicated{}, &testkit.Secret{Label: "a label far too long for a forty byte packet"})
	r.sender.AddPeer("p")

	packets := r.step()
	var reliable []sent
	for _, p := range packets {
		if p.opts.Reliable {
			reliable = append(reliable, p)
		}
	}
	if len(reliable) != 1 {
		t.Fatalf("sent %d reliable packets", len(reliable))
	}
	h, ids := segments(t, reliable[0].data)
	if !h.Reliable || !slices.Equal(ids, []ecs.EntityID{id}) {
		t.Errorf("reliable packet %+v carries %v", h, ids)
	}

	for _, p := range r.step() {
		if _, ids := segments(t, p.data); slices.Contains(ids, id) {
			t.Error("entity resent while its full sync is in flight")
		}
	}
	r.sender.HandleAck("p", EncodeAcks([]uint16{h.Seq}), false)
	r.step()
	if r.sender.Base("p", id) != 1 {
		t.Errorf("base = %d", r.sender.Base("p", id))
	}
}

// Diffs over the error threshold panic when debug asserts are on
func TestBudgetAssert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Traffic = TrafficConfig{WarnBytes: 4, ErrorBytes: 8, DebugAsserts: true}
	r := newRig(cfg)
	r.spawn(t, ecs.Replicated{}, &testkit.Probe{V3: geom.Vec3{X: 1, Y: 2, Z: 3}})
	r.sender.AddPeer("p")

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.step()
}

// Malformed packets are dropped without acknowledgement
func TestReceiverMalformed(t *testing.T) {
	rc := newReceiver()
	rc.HandlePacket("srv", []byte{1, 2}, false)
	rc.HandlePacket("srv", []byte{flagDirty, 1, 0, 1, 0, 0, 0, 1, 9, 0, 0, 0, 0}, false)
	if len(rc.Deltas()) != 0 {
		t.Error("deltas from malformed packets")
	}
	if rc.AckPacket() != nil {
		t.Error("malformed packets acknowledged")
	}
}

// Acks are repeated for three ticks and rejected sequences are withheld
func TestAckRedundancy(t *testing.T) {
	rc := newReceiver()
	rc.tickAcks = []uint16{1, 2}
	rc.Reject(2)
	first, _ := DecodeAcks(rc.AckPacket())
	if !slices.Equal(first, []uint16{1}) {
		t.Errorf("first = %v", first)
	}
	rc.tickAcks = []uint16{3}
	second, _ := DecodeAcks(rc.AckPacket())
	if !slices.Equal(second, []uint16{3, 1}) {
		t.Errorf("second = %v", second)
	}
	rc.AckPacket()
	fourth, _ := DecodeAcks(rc.AckPacket())
	if !slices.Equal(fourth, []uint16{3}) {
		t.Errorf("fourth = %v", fourth)
	}
	if rc.AckPacket() != nil {
		t.Error("acks repeated for more than three ticks")
	}
}

func diffApply(t *testing.T, d Delta) *snapshot.Snapshot {
	t.Helper()
	dst := snapshot.New(0)
	if _, err := diff.NewReader(testkit.Registry(), testkit.Compressors()).Apply(nil, dst, d.Data, d.Entity); err != nil {
		t.Fatal(err)
	}
	return dst
}

// Reliable full syncs leave after the unreliable packets of their frame
func TestReliableAfterBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 40
	r := newRig(cfg)
	big := r.spawn(t, ecs.Replicated{}, &testkit.Secret{Label: "a label far too long for a forty byte packet"})
	small := r.spawn(t, ecs.Replicated{}, &testkit.Secret{Code: 1})
	r.sender.AddPeer("p")

	packets := r.step()
	seenReliable := false
	var got []ecs.EntityID
	var last Header
	for _, p := range packets {
		h, ids := segments(t, p.data)
		if p.opts.Reliable {
			seenReliable = true
			continue
		}
		if seenReliable {
			t.Fatal("unreliable packet sent after a reliable one")
		}
		got = append(got, ids...)
		last = h
	}
	if !seenReliable {
		t.Fatal("no reliable full sync")
	}
	if !slices.Contains(got, small) || slices.Contains(got, big) {
		t.Errorf("unreliable packets carry %v", got)
	}
	if last.Parts == 0 {
		t.Error("last unreliable packet lacks the part count")
	}
}

// A segment that would need a packet past the part limit is refused
func TestPackerPartLimit(t *testing.T) {
	pk := newPacker(segmentSize + 1)
	for i := range MaxParts {
		if err := pk.add(ecs.EntityID(i+1), 0, []byte{1}, false); err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
	}
	if err := pk.add(MaxParts+1, 0, []byte{1}, false); !errors.Is(err, ErrTooManyParts) {
		t.Fatalf("err = %v", err)
	}
	pk.cut()
	if len(pk.packets) != MaxParts {
		t.Errorf("packed %d packets", len(pk.packets))
	}
}

// Frames that need more packets than the part count can express defer the
// rest to later frames
func TestPartOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = headerSize + netStatSize + 24
	r := newRig(cfg)
	want := make(map[ecs.EntityID]bool)
	for range 1500 {
		want[r.spawn(t, ecs.Replicated{}, &testkit.Secret{Code: 1})] = true
	}
	r.sender.AddPeer("p")

	for range 10 {
		var unreliable []Header
		var acks []uint16
		for _, p := range r.step() {
			h, ids := segments(t, p.data)
			acks = append(acks, h.Seq)
			if !p.opts.Reliable {
				unreliable = append(unreliable, h)
			}
			for _, id := range ids {
				delete(want, id)
			}
		}
		if len(unreliable) > MaxParts {
			t.Fatalf("frame split into %d packets", len(unreliable))
		}
		if n := unreliable[len(unreliable)-1].Parts; int(n) != len(unreliable) {
			t.Fatalf("part count %d for %d packets", n, len(unreliable))
		}
		r.sender.HandleAck("p", EncodeAcks(acks), false)
	}
	if len(want) != 0 {
		t.Errorf("%d entities never sent", len(want))
	}
}

// A new owner receives the private fields that did not change since its base
func TestOwnerChange(t *testing.T) {
	r := newRig(DefaultConfig())
	id := r.spawn(t, ecs.Replicated{Owner: "other"}, &testkit.Secret{Code: 42, Label: "x"})
	r.sender.AddPeer("p")

	code := func(packets []sent) (any, uint16) {
		t.Helper()
		for _, p := range packets {
			rc := newReceiver()
			rc.handle(p.data)
			for _, d := range rc.Deltas() {
				if d.Entity == id && d.Full() {
					c := diffApply(t, d).Entity(id).Components[ecs.ComponentKey{Type: testkit.SecretType}]
					return c.Fields[0].Value, d.Seq
				}
			}
		}
		t.Fatal("no full diff sent")
		return nil, 0
	}

	v, seq := code(r.step())
	if v != int32(0) {
		t.Fatalf("public code = %v", v)
	}
	r.sender.HandleAck("p", EncodeAcks([]uint16{seq}), false)
	r.step()
	if r.sender.Base("p", id) != 1 {
		t.Fatalf("base = %d", r.sender.Base("p", id))
	}

	ecs.Get[ecs.Replicated](r.world, id).Owner = "p"
	v, owned := code(r.step())
	if v != int32(42) {
		t.Errorf("private code after owner change = %v", v)
	}
	if b := r.sender.Base("p", id); b != 0 {
		t.Errorf("base kept across the owner change: %d", b)
	}

	// acks of diffs written for the previous owner never become a base
	ecs.Get[ecs.Replicated](r.world, id).Owner = "other"
	if v, _ := code(r.step()); v != int32(0) {
		t.Errorf("public code after losing ownership = %v", v)
	}
	r.sender.HandleAck("p", EncodeAcks([]uint16{owned}), false)
	r.step()
	if b := r.sender.Base("p", id); b != 0 {
		t.Errorf("stale ack moved base to %d", b)
	}
}
