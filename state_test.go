package mtproto

import "testing"

// TestGetNewMsgIDMonotonic covers invariant 1 of spec.md §8: msg-ids are
// strictly increasing even across many calls within the same wall-clock
// second.
func TestGetNewMsgIDMonotonic(t *testing.T) {
	s := NewMTProtoState(make([]byte, 256))
	prev := s.GetNewMsgID()
	for i := 0; i < 1000; i++ {
		next := s.GetNewMsgID()
		if next <= prev {
			t.Fatalf("msg-id not strictly increasing: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestNextSeqNoParity(t *testing.T) {
	s := NewMTProtoState(nil)
	a := s.NextSeqNo(true)
	if a%2 == 0 {
		t.Fatalf("content-related seqno %d should be odd", a)
	}
	b := s.NextSeqNo(false)
	if b%2 != 0 {
		t.Fatalf("non-content-related seqno %d should be even", b)
	}
	c := s.NextSeqNo(true)
	if c <= a {
		t.Fatalf("content-related seqno did not advance: %d then %d", a, c)
	}
}

func TestUpdateTimeOffsetResetsMsgIDFloor(t *testing.T) {
	s := NewMTProtoState(nil)
	_ = s.GetNewMsgID()
	serverMsgID := int64(2000000000) << 32
	s.UpdateTimeOffset(serverMsgID)
	if s.TimeOffset() == 0 {
		t.Fatal("expected a nonzero time offset after correction")
	}
	if s.lastMsgID != 0 {
		t.Fatalf("expected the msg-id floor reset to 0 after correction, got %d", s.lastMsgID)
	}
}

func TestResetRollsSessionID(t *testing.T) {
	s := NewMTProtoState(nil)
	before := s.SessionID()
	s.NextSeqNo(true)
	s.Reset()
	after := s.SessionID()
	if before == after {
		t.Fatal("expected session id to change across Reset")
	}
	if s.NextSeqNo(false) != 0 {
		t.Fatal("expected sequence counter cleared after Reset")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	authKey := make([]byte, 256)
	for i := range authKey {
		authKey[i] = byte(i)
	}
	s := NewMTProtoState(authKey)
	s.SetSalt(12345)

	plaintext := []byte("some opaque message body")

	// DecryptMessageData expects the envelope (msg-id/seqno/length) inside
	// the plaintext body, same as the packer produces for a single-item
	// batch; wrap plaintext accordingly before round-tripping.
	e := NewEncodeBuf(16 + len(plaintext))
	e.Long(1)
	e.Int(1)
	e.Int(int32(len(plaintext)))
	e.Raw(plaintext)
	if _, err := s.EncryptMessageData(e.Bytes()); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// EncryptMessageData derives its keys for the client-to-server
	// direction (x=0) and DecryptMessageData for server-to-client (x=8), so
	// the same envelope is encrypted the way the server would before being
	// decrypted here.
	wrapped := encryptAsServer(s, 1, 1, plaintext)

	msg, err := s.DecryptMessageData(wrapped, pingPongOnlyReader{}, true)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if msg.MsgID != 1 || msg.SeqNo != 1 {
		t.Fatalf("got msgID=%d seqNo=%d, want 1/1", msg.MsgID, msg.SeqNo)
	}
}

// pingPongOnlyReader stands in for a real ObjectReader in the round-trip
// test above: the plaintext body isn't a valid TL object, so the reader
// just needs to not panic and hand back something. It mirrors the
// RawObject fallback defaultObjectReader uses for unrecognized bytes.
type pingPongOnlyReader struct{}

func (pingPongOnlyReader) ReadObject(d *DecodeBuf) (TL, error) {
	return &RawObject{CID: 0, Body: d.Remaining()}, nil
}

func TestDecryptRejectsShortBuffer(t *testing.T) {
	s := NewMTProtoState(make([]byte, 256))
	_, err := s.DecryptMessageData([]byte{1, 2, 3}, defaultObjectReader{}, true)
	if _, ok := err.(*InvalidBufferError); !ok {
		t.Fatalf("got %T, want *InvalidBufferError", err)
	}
}

func TestDecryptRejectsNoAuthKey(t *testing.T) {
	s := NewMTProtoState(nil)
	_, err := s.DecryptMessageData(make([]byte, 32), defaultObjectReader{}, true)
	if _, ok := err.(*SecurityError); !ok {
		t.Fatalf("got %T, want *SecurityError", err)
	}
}
