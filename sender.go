package mtproto

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansel1/merry/v2"
	"golang.org/x/sync/errgroup"
)

const lastAcksCapacity = 10

// Sender owns the authenticated session lifecycle described in spec.md
// §4.4–§4.10: connect/disconnect/reconnect, the send and recv loops, the
// pending-state map, the pending-ack set, and the last-acks ring.
type Sender struct {
	opts *Options
	log  Logger

	sessionStore SessionStore
	session      *SessionInfo
	authenticator Authenticator

	state  *MTProtoState
	packer *MessagePacker
	reader ObjectReader

	mu           sync.Mutex
	conn         Connection
	connDesc     connDescriptor
	pendingState map[int64]*RequestState
	pendingAck   map[int64]bool
	lastAcks     []*RequestState

	userConnected   atomic.Bool
	isConnecting    atomic.Bool
	userDisconnected atomic.Bool
	reconnecting    atomic.Bool
	authenticated   atomic.Bool

	authKeyCallback       AuthKeyCallback
	updateCallback        UpdateCallback
	autoReconnectCallback AutoReconnectCallback
	onConnectionBreak     OnConnectionBreak

	group *errgroup.Group
}

// NewSender builds a Sender around a not-yet-connected session. Callers
// attach callbacks via the Set* setters before calling Connect.
func NewSender(opts *Options, sessionStore SessionStore, authenticator Authenticator, log Logger) *Sender {
	if opts == nil {
		opts = NewOptions()
	}
	if sessionStore == nil {
		sessionStore = &SessNoopStore{}
	}
	s := &Sender{
		opts:         opts,
		log:          log,
		sessionStore: sessionStore,
		authenticator: authenticator,
		session:      &SessionInfo{},
		state:        NewMTProtoState(nil),
		pendingState: make(map[int64]*RequestState),
		pendingAck:   make(map[int64]bool),
		reader:       defaultObjectReader{},
	}
	s.packer = NewMessagePacker(s.state)
	return s
}

func (s *Sender) SetAuthKeyCallback(cb AuthKeyCallback)             { s.authKeyCallback = cb }
func (s *Sender) SetUpdateCallback(cb UpdateCallback)               { s.updateCallback = cb }
func (s *Sender) SetAutoReconnectCallback(cb AutoReconnectCallback) { s.autoReconnectCallback = cb }
func (s *Sender) SetOnConnectionBreak(cb OnConnectionBreak)         { s.onConnectionBreak = cb }

func (s *Sender) IsConnected() bool { return s.userConnected.Load() }

// Connect implements spec.md §4.4/§4.5: dial, handshake if needed, spawn
// the send/recv loops. Returns false without doing anything if already
// connected and force is not set.
func (s *Sender) Connect(conn Connection, desc connDescriptor, force bool) (bool, error) {
	if s.userConnected.Load() && !force {
		return false, nil
	}

	s.isConnecting.Store(true)
	defer s.isConnecting.Store(false)

	s.mu.Lock()
	s.conn = conn
	s.connDesc = desc
	s.mu.Unlock()

	var lastErr error
	attempts := 0
	for {
		lastErr = conn.Connect()
		if lastErr == nil {
			break
		}
		attempts++
		if s.opts.Retries != InfiniteRetries && attempts > s.opts.Retries {
			s.emitUpdate(ConnectionStateDisconnected)
			return false, merry.Wrap(lastErr)
		}
		if attempts == 1 {
			s.emitUpdate(ConnectionStateDisconnected)
		}
		time.Sleep(s.opts.Delay)
	}

	if len(s.state.AuthKey()) == 0 {
		if err := s.sessionStore.Load(s.session); err == nil && len(s.session.AuthKey) > 0 {
			s.state.SetAuthKey(s.session.AuthKey)
			s.state.SetSalt(s.session.ServerSalt)
		}
	}

	if len(s.state.AuthKey()) == 0 {
		if s.authenticator == nil {
			return false, merry.New("connect: no authenticator configured and no existing auth key")
		}
		plain := NewMTProtoPlainSender(conn)
		result, err := s.authenticator.DoAuthentication(plain, s.log)
		if err != nil {
			return false, merry.Wrap(err)
		}
		s.state.SetAuthKey(result.AuthKey)
		s.state.SetTimeOffset(result.TimeOffset)

		s.session.DcID = s.opts.DcID
		s.session.AuthKey = result.AuthKey
		s.session.AuthKeyHash = sha1Low64(result.AuthKey)
		s.session.Addr = fmt.Sprintf("%s:%d", desc.IP, desc.Port)
		if err := s.sessionStore.Save(s.session); err != nil {
			s.log.Warn("connect: saving session failed: %v", err)
		}

		if s.authKeyCallback != nil {
			s.authKeyCallback(result.AuthKey, s.opts.DcID)
		}
	} else {
		s.authenticated.Store(true)
	}

	s.userConnected.Store(true)
	s.userDisconnected.Store(false)
	s.reconnecting.Store(false)

	group := &errgroup.Group{}
	s.group = group
	group.Go(s.recvLoop)
	group.Go(s.sendLoop)
	if s.opts.PingInterval > 0 {
		group.Go(s.pingLoop)
	}

	s.emitUpdate(ConnectionStateConnected)
	return true, nil
}

// Send implements spec.md §4.4: fails immediately if not connected,
// otherwise returns a Completion resolved/rejected once the correlated
// reply (or a terminal error) arrives.
func (s *Sender) Send(req Request) (*Completion, error) {
	if !s.userConnected.Load() {
		return nil, merry.Wrap(ErrNotConnected)
	}
	rs := NewRequestState(req)
	s.packer.Append(rs)
	return rs.Promise(), nil
}

// Disconnect implements spec.md §4.4/§5's cancellation contract.
func (s *Sender) Disconnect() error {
	s.userDisconnected.Store(true)
	s.packer.RejectAll()
	s.packer.Append(packerShutdown)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Disconnect()
	}
	s.userConnected.Store(false)
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.emitUpdate(ConnectionStateDisconnected)
	return nil
}

func (s *Sender) emitUpdate(state ConnectionState) {
	if s.updateCallback != nil {
		s.updateCallback(s, &UpdateConnectionState{State: state})
	}
}

// sendLoop implements spec.md §4.6.
func (s *Sender) sendLoop() error {
	for {
		s.mu.Lock()
		if len(s.pendingAck) > 0 {
			ids := make([]int64, 0, len(s.pendingAck))
			for id := range s.pendingAck {
				ids = append(ids, id)
			}
			s.pendingAck = make(map[int64]bool)
			s.mu.Unlock()

			ackState := NewRequestState(&MsgsAck{MsgIDs: ids})
			s.packer.Append(ackState)
			s.pushLastAck(ackState)
		} else {
			s.mu.Unlock()
		}

		if s.reconnecting.Load() {
			return nil
		}

		batch, ok := s.packer.Get()
		if !ok {
			if s.reconnecting.Load() || s.userDisconnected.Load() {
				return nil
			}
			continue
		}

		ciphertext, err := s.state.EncryptMessageData(batch.Data)
		if err != nil {
			s.log.Error(err, "encrypting batch failed")
			continue
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if err := conn.Send(ciphertext); err != nil {
			if !IsClosedConnErr(err) {
				s.log.Error(err, "send failed")
			}
			return err
		}

		s.mu.Lock()
		for _, st := range batch.States {
			if st.ExpectsReply() {
				s.pendingState[st.MsgID] = st
			}
		}
		s.mu.Unlock()
	}
}

func (s *Sender) pushLastAck(ackState *RequestState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAcks = append(s.lastAcks, ackState)
	if len(s.lastAcks) > lastAcksCapacity {
		s.lastAcks = s.lastAcks[len(s.lastAcks)-lastAcksCapacity:]
	}
}

// recvLoop implements spec.md §4.7.
func (s *Sender) recvLoop() error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		frame, err := conn.Recv()
		if err != nil {
			if s.userDisconnected.Load() {
				return nil
			}
			if s.opts.AutoReconnect {
				go s.reconnect()
			}
			return err
		}

		// A bare 4-byte frame is the abridged transport's own error
		// signal (a negative int32 code, e.g. -404 "auth key not found"),
		// never a valid ciphertext length.
		if len(frame) == 4 {
			code := -int32(binary.LittleEndian.Uint32(frame))
			err := &InvalidBufferError{Code: int(code)}
			if code == 404 {
				if s.opts.IsMainSender {
					s.emitUpdate(ConnectionStateBroken)
				} else if s.onConnectionBreak != nil {
					s.onConnectionBreak(s.opts.DcID)
				}
				return err
			}
			s.log.Error(err, "recv: transport error, reconnecting")
			if s.opts.AutoReconnect {
				go s.reconnect()
			}
			return err
		}

		msg, err := s.state.DecryptMessageData(frame, s.reader, s.opts.SecurityChecks)
		if err != nil {
			switch e := err.(type) {
			case *TypeNotFoundError:
				s.log.Debug("recv: %v, skipping", e)
				continue
			case *SecurityError:
				s.log.Warn("recv: %v, dropping", e)
				continue
			case *InvalidBufferError:
				if e.Code == 404 {
					if s.opts.IsMainSender {
						s.emitUpdate(ConnectionStateBroken)
					} else if s.onConnectionBreak != nil {
						s.onConnectionBreak(s.opts.DcID)
					}
					return err
				}
				s.log.Error(err, "recv: invalid buffer, reconnecting")
				if s.opts.AutoReconnect {
					go s.reconnect()
				}
				return err
			default:
				s.log.Error(err, "recv: decode failed, reconnecting")
				if s.opts.AutoReconnect {
					go s.reconnect()
				}
				return err
			}
		}

		s.processMessage(msg.MsgID, msg.SeqNo, msg.Obj)
	}
}

// pingLoop is a supplemental keepalive, not part of the correlation logic
// spec.md §4 describes: every PingInterval it submits a ping through the
// normal send path, same as the teacher's pingRoutine, just driven by the
// reconnect flags instead of a dedicated stop channel.
func (s *Sender) pingLoop() error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		<-ticker.C
		if s.userDisconnected.Load() || s.reconnecting.Load() {
			return nil
		}
		if _, err := s.Send(&pingRequest{PingID: s.state.GetNewMsgID()}); err != nil {
			return nil
		}
	}
}

// reconnect implements spec.md §4.10.
func (s *Sender) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	time.Sleep(1 * time.Second)

	s.mu.Lock()
	conn := s.conn
	desc := s.connDesc
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Disconnect()
	}
	s.packer.Append(packerShutdown)

	s.state.Reset()

	newConn := desc.clone()
	if _, err := s.Connect(newConn, desc, true); err != nil {
		s.log.Error(err, "reconnect: connect failed")
		s.reconnecting.Store(false)
		return
	}

	s.mu.Lock()
	pending := make([]*RequestState, 0, len(s.pendingState))
	for id, st := range s.pendingState {
		pending = append(pending, st)
		delete(s.pendingState, id)
	}
	s.mu.Unlock()
	s.packer.Extend(pending)

	s.reconnecting.Store(false)
	if s.autoReconnectCallback != nil {
		s.autoReconnectCallback()
	}
}
