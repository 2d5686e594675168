package mtproto

import (
	"sync"

	"github.com/ansel1/merry/v2"
)

// maxMessageSize is MTProto's conservative single-message limit (spec.md
// §4.2): once a drained batch's serialized size would cross this, the
// packer stops greedily adding more entries to it.
const maxMessageSize = 1 << 20 // 1 MiB

// packerShutdown is the sentinel RequestState _reconnect pushes to unblock
// a Get() call across a reconnect (spec.md §4.2, §9 "shutdown sentinel").
var packerShutdown = &RequestState{}

func isShutdownSentinel(r *RequestState) bool { return r == packerShutdown }

// Batch is what Get returns: the serialized plaintext ready for
// encryption, plus the ordered RequestStates it is made of (now bearing
// their assigned msg-id/seqno), so the caller can populate pending-state.
type Batch struct {
	Data  []byte
	States []*RequestState
}

// MessagePacker is the Sender's send queue (spec.md §4.2): callers Append/
// Extend RequestStates onto it; the send loop blocks on Get, which drains
// as many queued entries as fit under maxMessageSize, assigns them fresh
// msg-ids/seqnos via state, and wraps more than one in a MessageContainer.
type MessagePacker struct {
	state *MTProtoState

	mu      sync.Mutex
	queue   []*RequestState
	waiters chan struct{}
}

func NewMessagePacker(state *MTProtoState) *MessagePacker {
	return &MessagePacker{state: state, waiters: make(chan struct{}, 1)}
}

func (p *MessagePacker) Append(s *RequestState) {
	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()
	p.wake()
}

func (p *MessagePacker) Extend(states []*RequestState) {
	if len(states) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, states...)
	p.mu.Unlock()
	p.wake()
}

// RejectAll rejects every queued RequestState with ErrDisconnected and
// empties the queue (spec.md §4.2, used by user-initiated Disconnect).
func (p *MessagePacker) RejectAll() {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, s := range queued {
		if isShutdownSentinel(s) {
			continue
		}
		s.Reject(merry.Wrap(ErrDisconnected))
	}
}

func (p *MessagePacker) wake() {
	select {
	case p.waiters <- struct{}{}:
	default:
	}
}

// Get blocks until at least one entry is queued, then greedily drains more
// while the accumulated serialized size stays under maxMessageSize.
// Shutdown sentinels among real entries are skipped. A single drained
// entry is returned as its body behind its own msg-id/seqno/length header;
// more than one is wrapped in a MessageContainer behind the container's
// outer msg-id/seqno/length header. Returns (nil, false) when the drained
// set holds nothing but shutdown sentinels, signaling the send loop to
// check whether it should exit.
func (p *MessagePacker) Get() (*Batch, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			break
		}
		p.mu.Unlock()
		<-p.waiters
	}

	drained := p.drainLocked()
	p.mu.Unlock()

	if len(drained) == 1 && isShutdownSentinel(drained[0]) {
		return nil, false
	}

	states := make([]*RequestState, 0, len(drained))
	for _, s := range drained {
		if isShutdownSentinel(s) {
			continue
		}
		states = append(states, s)
	}
	if len(states) == 0 {
		return nil, false
	}

	for _, s := range states {
		s.MsgID = p.state.GetNewMsgID()
		s.SeqNo = p.state.NextSeqNo(isContentRelated(s.Req))
	}

	if len(states) == 1 {
		s := states[0]
		e := NewEncodeBuf(16 + len(s.Data))
		e.Long(s.MsgID)
		e.Int(s.SeqNo)
		e.Int(int32(len(s.Data)))
		e.Raw(s.Data)
		return &Batch{Data: e.Bytes(), States: states}, true
	}

	// The container's own outer msg-id is what the server later names in
	// bad_msg_notification/bad_server_salt, so every inner state carries
	// it back as ContainerID (spec.md §4.2/§4.9 "relation, not ownership").
	outerMsgID := p.state.GetNewMsgID()
	outerSeqNo := p.state.NextSeqNo(false)
	for _, s := range states {
		s.ContainerID = outerMsgID
	}

	container := &MessageContainer{Items: make([]ContainerItem, len(states))}
	for i, s := range states {
		container.Items[i] = ContainerItem{MsgID: s.MsgID, SeqNo: s.SeqNo, Obj: rawEncoded{s.Data}}
	}

	body := container.Encode()
	e := NewEncodeBuf(16 + len(body))
	e.Long(outerMsgID)
	e.Int(outerSeqNo)
	e.Int(int32(len(body)))
	e.Raw(body)
	return &Batch{Data: e.Bytes(), States: states}, true
}

// drainLocked must be called with p.mu held. It pops queued entries while
// the running total stays under maxMessageSize, always taking at least
// one.
func (p *MessagePacker) drainLocked() []*RequestState {
	total := 0
	i := 0
	for i < len(p.queue) {
		sz := len(p.queue[i].Data)
		if i > 0 && total+sz > maxMessageSize {
			break
		}
		total += sz
		i++
	}
	if i == 0 && len(p.queue) > 0 {
		i = 1
	}
	drained := p.queue[:i]
	p.queue = p.queue[i:]
	out := make([]*RequestState, len(drained))
	copy(out, drained)
	return out
}

func isContentRelated(r Request) bool {
	switch r.ClassType() {
	case ClassTypeNotification:
		return false
	default:
		return true
	}
}

// rawEncoded is a TL whose Encode() is precomputed bytes, used to splice
// an already-serialized request body into a container without redundantly
// re-encoding it.
type rawEncoded struct {
	body []byte
}

func (rawEncoded) ConstructorID() uint32 { return 0 }
func (r rawEncoded) Encode() []byte      { return r.body }
