package mtproto

import (
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Connection used to drive the sender through
// scripted server frames without a real socket.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed chan struct{}
	once   *sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 32), closed: make(chan struct{}), once: &sync.Once{}}
}

// Connect simulates establishing a fresh socket: a live connection gets a
// new closed-channel and once-guard, so a reconnect using the same
// descriptor produces something Recv can block on again instead of
// replaying the previous connection's death forever.
func (c *fakeConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = make(chan struct{})
	c.once = &sync.Once{}
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	closed, once := c.closed, c.once
	c.mu.Unlock()
	once.Do(func() { close(closed) })
	return nil
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Recv() ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	select {
	case frame, ok := <-c.inbox:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) push(frame []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	select {
	case c.inbox <- frame:
	case <-closed:
	}
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// presetSessionStore hands back a fixed auth key so Connect skips the DH
// handshake entirely, letting tests drive the send/recv loops directly.
type presetSessionStore struct {
	authKey []byte
}

func (s *presetSessionStore) Load(sess *SessionInfo) error {
	sess.AuthKey = s.authKey
	return nil
}
func (s *presetSessionStore) Save(sess *SessionInfo) error { return nil }

func testAuthKey() []byte {
	k := make([]byte, 256)
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

// encryptAsServer mirrors MTProtoState.EncryptMessageData from the
// server's side of the wire (x=8 key derivation instead of x=0), so
// tests can hand-craft inbound frames using the same key the sender's
// DecryptMessageData will verify against.
func encryptAsServer(state *MTProtoState, msgID int64, seqNo int32, body []byte) []byte {
	authKey := state.AuthKey()
	e := NewEncodeBuf(32 + len(body))
	e.Long(state.Salt())
	e.Long(state.SessionID())
	e.Long(msgID)
	e.Int(seqNo)
	e.Int(int32(len(body)))
	e.Raw(body)
	padded := padTo16(e.Bytes(), 12)

	msgKey := computeMsgKey(authKey, padded, 8)
	aesKey, aesIV := deriveMessageKeyAndAESKeys(authKey, msgKey, 8)
	cipherText, err := aesIGEEncrypt(aesKey, aesIV, padded)
	if err != nil {
		panic(err)
	}

	out := NewEncodeBuf(24 + len(cipherText))
	out.Raw(authKeyID(authKey))
	out.Raw(msgKey)
	out.Raw(cipherText)
	return out.Bytes()
}

func encodePongBody(msgID, pingID int64) []byte {
	e := NewEncodeBuf(20)
	e.UInt(crcPong)
	e.Long(msgID)
	e.Long(pingID)
	return e.Bytes()
}

func encodeRpcResultBody(reqMsgID int64, inner []byte) []byte {
	e := NewEncodeBuf(12 + len(inner))
	e.UInt(crcRpcResult)
	e.Long(reqMsgID)
	e.Raw(inner)
	return e.Bytes()
}

func encodeBadServerSaltBody(badMsgID int64, badSeq, code int32, newSalt int64) []byte {
	e := NewEncodeBuf(24)
	e.UInt(crcBadServerSalt)
	e.Long(badMsgID)
	e.Int(badSeq)
	e.Int(code)
	e.Long(newSalt)
	return e.Bytes()
}

func encodeBadMsgNotificationBody(badMsgID int64, badSeq, code int32) []byte {
	e := NewEncodeBuf(20)
	e.UInt(crcBadMsgNotification)
	e.Long(badMsgID)
	e.Int(badSeq)
	e.Int(code)
	return e.Bytes()
}

func newTestSender(t *testing.T, opts *Options) (*Sender, *fakeConn) {
	t.Helper()
	if opts == nil {
		opts = NewOptions(WithAutoReconnect(false))
	}
	store := &presetSessionStore{authKey: testAuthKey()}
	s := NewSender(opts, store, nil, NewLogger(NoopLogHandler{}))
	conn := newFakeConn()
	desc := connDescriptor{NewConn: func(connDescriptor) Connection { return conn }}
	ok, err := s.Connect(conn, desc, false)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Connect to report success")
	}
	return s, conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestScenarioS1PingRoundTrip covers spec.md §8 scenario S1.
func TestScenarioS1PingRoundTrip(t *testing.T) {
	s, conn := newTestSender(t, nil)
	defer s.Disconnect()

	completion, err := s.Send(&pingRequest{PingID: 42})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msgID int64
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id := range s.pendingState {
			msgID = id
			return true
		}
		return false
	})

	serverMsgID := s.state.GetNewMsgID()
	conn.push(encryptAsServer(s.state, serverMsgID, 1, encodeRpcResultBody(msgID, encodePongBody(msgID, 42))))

	v, err := completion.Wait()
	if err != nil {
		t.Fatalf("completion rejected: %v", err)
	}
	pong, ok := v.(*Pong)
	if !ok || pong.PingID != 42 {
		t.Fatalf("got %#v, want Pong{PingID: 42}", v)
	}

	s.mu.Lock()
	_, stillPending := s.pendingState[msgID]
	_, acked := s.pendingAck[serverMsgID]
	s.mu.Unlock()
	if stillPending {
		t.Fatal("pending-state should no longer contain the completed request")
	}
	if !acked {
		t.Fatal("pending-ack should contain the server message's msg-id")
	}
}

// TestScenarioS3BadServerSaltResend covers spec.md §8 scenario S3 and
// invariant 3 (salt installed before the popped state is re-enqueued).
func TestScenarioS3BadServerSaltResend(t *testing.T) {
	s, conn := newTestSender(t, nil)
	defer s.Disconnect()

	completion, err := s.Send(&pingRequest{PingID: 1})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msgA int64
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id := range s.pendingState {
			msgA = id
			return true
		}
		return false
	})

	serverMsgID := s.state.GetNewMsgID()
	conn.push(encryptAsServer(s.state, serverMsgID, 1, encodeBadServerSaltBody(msgA, 1, 48, 0xDEADBEEF)))

	waitFor(t, func() bool { return s.state.Salt() == 0xDEADBEEF })

	waitFor(t, func() bool { return len(conn.sentFrames()) >= 2 })

	select {
	case <-completion.Done():
		t.Fatal("completion should still be pending after a resend, not resolved/rejected")
	default:
	}

	s.mu.Lock()
	var newMsgID int64
	for id := range s.pendingState {
		newMsgID = id
	}
	s.mu.Unlock()
	if newMsgID == 0 || newMsgID == msgA {
		t.Fatalf("expected a new msg-id for the resent request, got %d (original %d)", newMsgID, msgA)
	}
}

// TestScenarioS4BadMsgRejects covers spec.md §8 scenario S4.
func TestScenarioS4BadMsgRejects(t *testing.T) {
	s, conn := newTestSender(t, nil)
	defer s.Disconnect()

	completion, err := s.Send(&pingRequest{PingID: 1})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msgA int64
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id := range s.pendingState {
			msgA = id
			return true
		}
		return false
	})

	serverMsgID := s.state.GetNewMsgID()
	conn.push(encryptAsServer(s.state, serverMsgID, 1, encodeBadMsgNotificationBody(msgA, 1, 48)))

	_, err = completion.Wait()
	bmErr, ok := err.(*BadMessageError)
	if !ok {
		t.Fatalf("got %T (%v), want *BadMessageError", err, err)
	}
	if bmErr.Code != 48 {
		t.Fatalf("got code %d, want 48", bmErr.Code)
	}

	s.mu.Lock()
	_, stillPending := s.pendingState[msgA]
	s.mu.Unlock()
	if stillPending {
		t.Fatal("a hard-rejected request must not remain in pending-state")
	}
}

// TestScenarioS5AuthKey404NonMainSender covers spec.md §8 scenario S5.
func TestScenarioS5AuthKey404NonMainSender(t *testing.T) {
	var brokenDcID int32 = -1
	var brokenCount int
	var mu sync.Mutex

	opts := NewOptions(WithAutoReconnect(true), WithMainSender(false), WithDcID(7))
	s, conn := newTestSender(t, opts)
	defer s.Disconnect()

	s.SetOnConnectionBreak(func(dcID int32) {
		mu.Lock()
		defer mu.Unlock()
		brokenDcID = dcID
		brokenCount++
	})

	var brokenUpdateSeen bool
	s.SetUpdateCallback(func(_ interface{}, update TL) {
		if u, ok := update.(*UpdateConnectionState); ok && u.State == ConnectionStateBroken {
			mu.Lock()
			brokenUpdateSeen = true
			mu.Unlock()
		}
	})

	errFrame := make([]byte, 4)
	errFrame[0], errFrame[1], errFrame[2], errFrame[3] = 0x6c, 0xfe, 0xff, 0xff // little-endian int32(-404)
	conn.push(errFrame)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return brokenCount == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if brokenDcID != 7 {
		t.Fatalf("got dcID %d, want 7", brokenDcID)
	}
	if brokenUpdateSeen {
		t.Fatal("updateCallback must not see a broken state on a non-main sender")
	}
}

// TestScenarioS6ReconnectPreservesPending covers spec.md §8 scenario S6
// and invariant 7.
func TestScenarioS6ReconnectPreservesPending(t *testing.T) {
	opts := NewOptions(WithAutoReconnect(true))
	s, conn := newTestSender(t, opts)
	defer s.Disconnect()

	var reconnected int
	var mu sync.Mutex
	s.SetAutoReconnectCallback(func() {
		mu.Lock()
		reconnected++
		mu.Unlock()
	})

	completionA, errA := s.Send(&pingRequest{PingID: 1})
	completionB, errB := s.Send(&pingRequest{PingID: 2})
	completionC, errC := s.Send(&pingRequest{PingID: 3})
	if errA != nil || errB != nil || errC != nil {
		t.Fatalf("send failed: %v %v %v", errA, errB, errC)
	}

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingState) == 3
	})

	_ = conn.Disconnect() // kill the connection's recv without a user Disconnect

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnected == 1
	})

	// The three requests must survive the involuntary reconnect: they are
	// re-queued and resent rather than rejected, so pending-state settles
	// back at 3 once the new send loop has drained the queue.
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingState) == 3
	})

	for _, c := range []*Completion{completionA, completionB, completionC} {
		select {
		case <-c.Done():
			t.Fatal("a preserved request must not be resolved/rejected by the reconnect itself")
		default:
		}
	}
}

func TestLastAcksCapacity(t *testing.T) {
	s, _ := newTestSender(t, nil)
	defer s.Disconnect()

	for i := 0; i < lastAcksCapacity+5; i++ {
		s.pushLastAck(NewRequestState(&MsgsAck{MsgIDs: []int64{int64(i)}}))
	}
	s.mu.Lock()
	n := len(s.lastAcks)
	s.mu.Unlock()
	if n > lastAcksCapacity {
		t.Fatalf("lastAcks grew to %d, want at most %d", n, lastAcksCapacity)
	}
}

func TestDisconnectRejectsQueuedRequests(t *testing.T) {
	opts := NewOptions(WithAutoReconnect(false))
	s, _ := newTestSender(t, opts)

	s.mu.Lock()
	s.pendingState = map[int64]*RequestState{}
	s.mu.Unlock()

	rs := NewRequestState(&pingRequest{PingID: 99})
	s.packer.Append(rs)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	_, err := rs.Promise().Wait()
	if err == nil {
		t.Fatal("expected the queued request to be rejected on Disconnect")
	}
}
