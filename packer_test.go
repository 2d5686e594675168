package mtproto

import "testing"

func TestPackerSingleItemEnvelope(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	req := &pingRequest{PingID: 7}
	rs := NewRequestState(req)
	p.Append(rs)

	batch, ok := p.Get()
	if !ok {
		t.Fatal("expected a batch")
	}
	if len(batch.States) != 1 {
		t.Fatalf("got %d states, want 1", len(batch.States))
	}

	d := NewDecodeBuf(batch.Data)
	gotMsgID := d.Long()
	gotSeqNo := d.Int()
	gotLen := d.Int()
	if d.err != nil {
		t.Fatalf("unexpected decode error: %v", d.err)
	}
	if gotMsgID != rs.MsgID || gotSeqNo != rs.SeqNo {
		t.Fatalf("envelope header mismatch: got (%d,%d), want (%d,%d)", gotMsgID, gotSeqNo, rs.MsgID, rs.SeqNo)
	}
	if int(gotLen) != len(req.Encode()) {
		t.Fatalf("got length %d, want %d", gotLen, len(req.Encode()))
	}
}

// TestPackerContainerBatching covers scenario S2 of spec.md §8: three
// requests queued before Get drains are wrapped in a single
// MessageContainer with distinct, increasing msg-ids and a shared
// ContainerID.
func TestPackerContainerBatching(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	var states []*RequestState
	for i := 0; i < 3; i++ {
		rs := NewRequestState(&pingRequest{PingID: int64(i)})
		states = append(states, rs)
		p.Append(rs)
	}

	batch, ok := p.Get()
	if !ok {
		t.Fatal("expected a batch")
	}
	if len(batch.States) != 3 {
		t.Fatalf("got %d states, want 3", len(batch.States))
	}

	d := NewDecodeBuf(batch.Data)
	outerMsgID := d.Long()
	_ = d.Int() // outer seqno
	outerLen := d.Int()
	if d.err != nil {
		t.Fatalf("unexpected decode error: %v", d.err)
	}
	if int(outerLen) != len(batch.Data)-16 {
		t.Fatalf("got outer length %d, want %d", outerLen, len(batch.Data)-16)
	}
	if outerMsgID != batch.States[0].ContainerID {
		t.Fatalf("outer envelope msg-id %d does not match states' ContainerID %d", outerMsgID, batch.States[0].ContainerID)
	}

	cid := d.UInt()
	if cid != crcMessageContainer {
		t.Fatalf("got constructor 0x%08x, want message container 0x%08x", cid, crcMessageContainer)
	}

	containerID := batch.States[0].ContainerID
	var prevMsgID int64 = -1
	for _, s := range batch.States {
		if s.ContainerID != containerID {
			t.Fatalf("state has containerID %d, want %d", s.ContainerID, containerID)
		}
		if s.MsgID <= prevMsgID {
			t.Fatalf("msg-ids not strictly increasing: %d after %d", s.MsgID, prevMsgID)
		}
		prevMsgID = s.MsgID
	}
}

func TestPackerDrainsUnderMaxSize(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	big := make([]byte, maxMessageSize)
	p.mu.Lock()
	p.queue = []*RequestState{
		{Req: &pingRequest{}, Data: big, completion: NewCompletion()},
		{Req: &pingRequest{}, Data: []byte{1, 2, 3}, completion: NewCompletion()},
	}
	drained := p.drainLocked()
	p.mu.Unlock()
	if len(drained) != 1 {
		t.Fatalf("got %d drained entries, want 1 (big entry alone already at the cap)", len(drained))
	}
}

func TestPackerRejectAll(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	rs1 := NewRequestState(&pingRequest{})
	rs2 := NewRequestState(&pingRequest{})
	p.Append(rs1)
	p.Append(rs2)

	p.RejectAll()

	for _, rs := range []*RequestState{rs1, rs2} {
		_, err := rs.Promise().Wait()
		if err == nil {
			t.Fatal("expected rejection after RejectAll")
		}
	}
}

func TestPackerShutdownSentinelUnblocksGet(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	p.Append(packerShutdown)
	_, ok := p.Get()
	if ok {
		t.Fatal("expected Get to report (nil, false) for a pure shutdown signal")
	}
}

func TestPackerShutdownSentinelSkippedAmongRealEntries(t *testing.T) {
	state := NewMTProtoState(nil)
	p := NewMessagePacker(state)

	rs := NewRequestState(&pingRequest{})
	p.queue = []*RequestState{rs, packerShutdown}

	batch, ok := p.Get()
	if !ok {
		t.Fatal("expected a batch containing the real entry")
	}
	if len(batch.States) != 1 || batch.States[0] != rs {
		t.Fatalf("expected exactly the real state, got %v", batch.States)
	}
}
