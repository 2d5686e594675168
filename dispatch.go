package mtproto

// processMessage implements the jump table of spec.md §4.8. It is called
// from the recv loop for every top-level decrypted message, and
// recursively for container/gzip contents.
func (s *Sender) processMessage(msgID int64, seqNo int32, obj TL) {
	s.addPendingAck(msgID)

	switch v := obj.(type) {
	case *RpcResult:
		s.handleRpcResult(v)

	case *MessageContainer:
		for _, item := range v.Items {
			s.processMessage(item.MsgID, item.SeqNo, item.Obj)
		}

	case *GZIPPacked:
		raw, err := v.Decompress()
		if err != nil {
			s.log.Warn("gzip_packed: decompress failed: %v", err)
			return
		}
		inner, err := s.reader.ReadObject(NewDecodeBuf(raw))
		if err != nil {
			s.log.Warn("gzip_packed: inner decode failed: %v", err)
			return
		}
		s.processMessage(msgID, seqNo, inner)

	case *Pong:
		s.resolvePending(v.MsgID, v)

	case *BadServerSalt:
		s.state.SetSalt(v.NewServerSalt)
		popped := s.popStates(v.BadMsgID)
		s.packer.Extend(popped)

	case *BadMsgNotification:
		popped := s.popStates(v.BadMsgID)
		switch v.ErrorCode {
		case 16, 17:
			s.state.UpdateTimeOffset(msgID)
			s.packer.Extend(popped)
		case 32:
			s.state.NudgeSequence(64)
			s.packer.Extend(popped)
		case 33:
			s.state.NudgeSequence(-16)
			s.packer.Extend(popped)
		default:
			for _, st := range popped {
				st.Reject(&BadMessageError{Request: st.Req, Code: v.ErrorCode})
			}
		}

	case *MsgDetailedInfo:
		s.addPendingAck(v.AnswerMsgID)

	case *MsgNewDetailedInfo:
		s.addPendingAck(v.AnswerMsgID)

	case *NewSessionCreated:
		s.state.SetSalt(v.ServerSalt)

	case *MsgsAck:
		s.handleMsgsAck(v)

	case *FutureSalts:
		s.resolvePending(v.ReqMsgID, v)

	case *MsgsStateReq:
		reply := NewRequestState(newMsgsStateInfo(msgID, len(v.MsgIDs)))
		s.packer.Append(reply)

	case *MsgResendReq:
		reply := NewRequestState(newMsgsStateInfo(msgID, len(v.MsgIDs)))
		s.packer.Append(reply)

	case *MsgsAllInfo:
		// no-op, per spec.md §4.8

	default:
		if sc, ok := obj.(subclassedTL); ok && sc.SubclassOfID() == SubclassOfUpdates {
			if s.updateCallback != nil {
				s.updateCallback(s, obj)
			}
			return
		}
		s.log.Debug("dropping unhandled message %T", obj)
	}
}

func (s *Sender) addPendingAck(msgID int64) {
	s.mu.Lock()
	s.pendingAck[msgID] = true
	s.mu.Unlock()
}

func (s *Sender) resolvePending(msgID int64, v TL) {
	s.mu.Lock()
	st, ok := s.pendingState[msgID]
	if ok {
		delete(s.pendingState, msgID)
	}
	s.mu.Unlock()
	if ok {
		st.Resolve(v)
	}
}

func (s *Sender) handleRpcResult(rr *RpcResult) {
	s.mu.Lock()
	st, ok := s.pendingState[rr.ReqMsgID]
	if ok {
		delete(s.pendingState, rr.ReqMsgID)
	}
	s.mu.Unlock()

	if !ok {
		if raw, isRaw := rr.Obj.(*RawObject); isRaw && tryParseUploadFile(raw.CID, raw.Body) {
			return
		}
		s.log.Debug("rpc_result: orphan reply for msg_id %d", rr.ReqMsgID)
		return
	}

	if rpcErr, isErr := rr.Obj.(*RpcError); isErr {
		ack := NewRequestState(&MsgsAck{MsgIDs: []int64{rr.ReqMsgID}})
		s.packer.Append(ack)
		st.Reject(RPCMessageToError(rpcErr, st.Req))
		return
	}

	if raw, isRaw := rr.Obj.(*RawObject); isRaw {
		full := NewEncodeBuf(4 + len(raw.Body))
		full.UInt(raw.CID)
		full.Raw(raw.Body)
		result, err := st.Req.ReadResult(NewDecodeBuf(full.Bytes()))
		if err != nil {
			st.Reject(err)
			return
		}
		st.Resolve(result)
		return
	}

	st.Resolve(rr.Obj)
}

func (s *Sender) handleMsgsAck(ack *MsgsAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ack.MsgIDs {
		st, ok := s.pendingState[id]
		if !ok {
			continue
		}
		if _, isLogOut := st.Req.(*LogOutRequest); isLogOut {
			delete(s.pendingState, id)
			st.Resolve(&BoolResult{Value: true})
		}
	}
}

// popStates implements spec.md §4.9: returns the RequestStates previously
// sent and linked to msgID, trying in order the pending-state map keyed by
// msgID, every pending-state whose ContainerID matches, and finally the
// last-acks ring.
func (s *Sender) popStates(msgID int64) []*RequestState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.pendingState[msgID]; ok {
		delete(s.pendingState, msgID)
		return []*RequestState{st}
	}

	var fromContainer []*RequestState
	for id, st := range s.pendingState {
		if st.ContainerID == msgID {
			fromContainer = append(fromContainer, st)
			delete(s.pendingState, id)
		}
	}
	if len(fromContainer) > 0 {
		return fromContainer
	}

	for i, ack := range s.lastAcks {
		if ack.MsgID == msgID || ack.ContainerID == msgID {
			s.lastAcks = append(s.lastAcks[:i], s.lastAcks[i+1:]...)
			return []*RequestState{ack}
		}
	}

	return nil
}
