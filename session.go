package mtproto

import (
	"os"

	"github.com/ansel1/merry/v2"
)

// SessionInfo is the persisted half of a session: everything a Sender
// needs to resume talking to a data center without repeating the DH
// handshake. It does not persist in-flight requests — per spec, those
// never survive a process restart, only a live reconnect.
type SessionInfo struct {
	DcID        int32
	AuthKey     []byte
	AuthKeyHash []byte
	ServerSalt  int64
	Addr        string

	sessionID int64
}

// SessionStore loads and saves a SessionInfo across process restarts.
type SessionStore interface {
	Save(*SessionInfo) error
	Load(*SessionInfo) error
}

// SessNoopStore never persists anything; every Load fails with
// ErrNoSessionData, forcing a fresh handshake on every run. Suitable for
// tests and for callers who manage persistence above this package.
type SessNoopStore struct{}

func (s *SessNoopStore) Save(sess *SessionInfo) error { return nil }
func (s *SessNoopStore) Load(sess *SessionInfo) error { return merry.Wrap(ErrNoSessionData) }

// SessFileStore persists a SessionInfo to a flat file using the same
// EncodeBuf/DecodeBuf primitives the wire protocol uses, avoiding a second
// serialization format for what is, structurally, the same kind of data.
type SessFileStore struct {
	FPath string
}

func (s *SessFileStore) Save(sess *SessionInfo) (err error) {
	f, err := os.Create(s.FPath)
	if err != nil {
		return merry.Wrap(err)
	}
	defer f.Close()

	b := NewEncodeBuf(1024)
	b.Int(sess.DcID)
	b.StringBytes(sess.AuthKey)
	b.StringBytes(sess.AuthKeyHash)
	b.Long(sess.ServerSalt)
	b.String(sess.Addr)

	if _, err = f.Write(b.Bytes()); err != nil {
		return merry.Wrap(err)
	}
	return nil
}

func (s *SessFileStore) Load(sess *SessionInfo) error {
	f, err := os.Open(s.FPath)
	if os.IsNotExist(err) {
		return merry.Wrap(ErrNoSessionData)
	}
	if err != nil {
		return merry.Wrap(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return merry.Wrap(err)
	}
	buf := make([]byte, info.Size())
	if _, err = f.Read(buf); err != nil {
		return merry.Wrap(err)
	}

	d := NewDecodeBuf(buf)
	sess.DcID = d.Int()
	sess.AuthKey = d.StringBytes()
	sess.AuthKeyHash = d.StringBytes()
	sess.ServerSalt = d.Long()
	sess.Addr = d.String()

	if d.err != nil {
		return merry.Wrap(d.err)
	}
	return nil
}
