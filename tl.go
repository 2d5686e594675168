package mtproto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Core TL (de)serialization constants. The sender never needs the full TL
// schema compiler (out of scope, per spec — application request/response
// bodies are opaque past their constructor id and are parsed by the
// request's own ReadResult); it only needs to recognize vector/bool
// markers and the closed set of "meta" constructors below.
const (
	CRCVector    uint32 = 0x1cb5c415
	CRCBoolTrue  uint32 = 0x997275b5
	CRCBoolFalse uint32 = 0xbc799737

	// SubclassOfUpdates is crc32("Updates"), the TL subclass id the
	// default dispatch branch checks obj.SubclassOfID() against before
	// forwarding to UpdateCallback.
	SubclassOfUpdates uint32 = 0x8af52aac
)

// Real MTProto constructor ids for the twelve meta constructors plus the
// container/gzip wrappers spec.md §4.8's jump table names.
const (
	crcMessageContainer   uint32 = 0x73f1f8dc
	crcRpcResult          uint32 = 0xf35c6d01
	crcGZIPPacked         uint32 = 0x3072cfa1
	crcPong               uint32 = 0x347773c5
	crcBadServerSalt      uint32 = 0xedab447b
	crcBadMsgNotification uint32 = 0xa7eff811
	crcMsgDetailedInfo    uint32 = 0x276d3ec6
	crcMsgNewDetailedInfo uint32 = 0x809db6df
	crcNewSessionCreated  uint32 = 0x9ec20908
	crcMsgsAck            uint32 = 0x62d6b459
	crcFutureSalts        uint32 = 0xae500895
	crcFutureSalt         uint32 = 0x0949d9dc
	crcMsgsStateReq       uint32 = 0xda69fb52
	crcMsgResendReq       uint32 = 0x7d861a08
	crcMsgsStateInfo      uint32 = 0x04deb57d
	crcMsgsAllInfo        uint32 = 0x8cc0d131
	crcRpcError           uint32 = 0x2144ca19
	crcPingRequest        uint32 = 0x7abe77ec
)

// Constructor ids the default fallback recognizes as belonging to the
// "Updates" TL subclass, so the dispatch default branch in spec.md §4.8 can
// be realized without pulling in the whole generated schema.
var updatesFamilyConstructors = map[uint32]bool{
	0xe317af7e: true, // updatesTooLong
	0x313bad74: true, // updateShortMessage
	0x16812688: true, // updateShortChatMessage
	0x78d4dec1: true, // updateShort
	0x725b04c3: true, // updatesCombined
	0x74ae4240: true, // updates
	0x11f1331c: true, // updateShortSentMessage
}

// TL is any decoded MTProto object. ConstructorID identifies its schema
// entry; SubclassOfID is used only by the default dispatch branch to
// decide whether an unrecognized object is a server update.
type TL interface {
	ConstructorID() uint32
}

type subclassedTL interface {
	TL
	SubclassOfID() uint32
}

// Request is anything a caller can pass to Sender.Send. ClassType
// distinguishes RPCs that expect a correlated reply ("request") from
// fire-and-forget notifications/acks, matching spec.md §4.1.
type Request interface {
	TL
	ClassType() string
	Encode() []byte
	// ReadResult parses this request's opaque reply body out of d. Never
	// called for requests whose ClassType() != "request".
	ReadResult(d *DecodeBuf) (TL, error)
}

const (
	ClassTypeRequest      = "request"
	ClassTypeNotification = "notification"
)

// ---- container / gzip / rpc wrappers ----

type ContainerItem struct {
	MsgID int64
	SeqNo int32
	Obj   TL
}

type MessageContainer struct {
	Items []ContainerItem
}

func (MessageContainer) ConstructorID() uint32 { return crcMessageContainer }

func (c *MessageContainer) Encode() []byte {
	e := NewEncodeBuf(32 + 16*len(c.Items))
	e.UInt(crcMessageContainer)
	e.Int(int32(len(c.Items)))
	for _, it := range c.Items {
		e.Long(it.MsgID)
		e.Int(it.SeqNo)
		body := encodeAny(it.Obj)
		e.Int(int32(len(body)))
		e.Raw(body)
	}
	return e.Bytes()
}

type RpcResult struct {
	ReqMsgID int64
	Obj      TL
}

func (RpcResult) ConstructorID() uint32 { return crcRpcResult }

type GZIPPacked struct {
	PackedData []byte
}

func (GZIPPacked) ConstructorID() uint32 { return crcGZIPPacked }

func (g *GZIPPacked) Decompress() ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(g.PackedData))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ---- meta notifications (spec.md §4.8 jump table) ----

type Pong struct {
	MsgID  int64
	PingID int64
}

func (Pong) ConstructorID() uint32 { return crcPong }

type BadServerSalt struct {
	BadMsgID      int64
	BadMsgSeqNo   int32
	ErrorCode     int32
	NewServerSalt int64
}

func (BadServerSalt) ConstructorID() uint32 { return crcBadServerSalt }

type BadMsgNotification struct {
	BadMsgID    int64
	BadMsgSeqNo int32
	ErrorCode   int32
}

func (BadMsgNotification) ConstructorID() uint32 { return crcBadMsgNotification }

type MsgDetailedInfo struct {
	MsgID       int64
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (MsgDetailedInfo) ConstructorID() uint32 { return crcMsgDetailedInfo }

type MsgNewDetailedInfo struct {
	AnswerMsgID int64
	Bytes       int32
	Status      int32
}

func (MsgNewDetailedInfo) ConstructorID() uint32 { return crcMsgNewDetailedInfo }

type NewSessionCreated struct {
	FirstMsgID int64
	UniqueID   int64
	ServerSalt int64
}

func (NewSessionCreated) ConstructorID() uint32 { return crcNewSessionCreated }

type MsgsAck struct {
	MsgIDs []int64
}

func (MsgsAck) ConstructorID() uint32     { return crcMsgsAck }
func (MsgsAck) ClassType() string         { return ClassTypeNotification }
func (a *MsgsAck) Encode() []byte {
	e := NewEncodeBuf(16 + 8*len(a.MsgIDs))
	e.UInt(crcMsgsAck)
	e.VectorLong(a.MsgIDs)
	return e.Bytes()
}
func (a *MsgsAck) ReadResult(d *DecodeBuf) (TL, error) { return nil, nil }

type FutureSalt struct {
	ValidSince int32
	ValidUntil int32
	Salt       int64
}

type FutureSalts struct {
	ReqMsgID int64
	Now      int32
	Salts    []FutureSalt
}

func (FutureSalts) ConstructorID() uint32 { return crcFutureSalts }

type MsgsStateReq struct {
	MsgIDs []int64
}

func (MsgsStateReq) ConstructorID() uint32 { return crcMsgsStateReq }

type MsgResendReq struct {
	MsgIDs []int64
}

func (MsgResendReq) ConstructorID() uint32 { return crcMsgResendReq }

// MsgsStateInfo answers MsgsStateReq/MsgResendReq. Per spec.md §9's open
// question: the source encodes Info as 0x01 repeated len(msgIds) *times*,
// even though msgIds is a list — almost certainly a latent bug in the
// original. This port encodes the intended meaning instead: a byte string
// of length len(MsgIDs) with every byte 0x01, and records the discrepancy
// here rather than reproducing it silently.
type MsgsStateInfo struct {
	ReqMsgID int64
	Info     []byte
}

func (MsgsStateInfo) ConstructorID() uint32 { return crcMsgsStateInfo }
func (MsgsStateInfo) ClassType() string     { return ClassTypeNotification }

func (s *MsgsStateInfo) Encode() []byte {
	e := NewEncodeBuf(16 + len(s.Info))
	e.UInt(crcMsgsStateInfo)
	e.Long(s.ReqMsgID)
	e.StringBytes(s.Info)
	return e.Bytes()
}
func (s *MsgsStateInfo) ReadResult(d *DecodeBuf) (TL, error) { return nil, nil }

// newMsgsStateInfo builds the correctly-encoded reply to a state/resend
// request for the given msgIDs count.
func newMsgsStateInfo(reqMsgID int64, msgIDCount int) *MsgsStateInfo {
	info := make([]byte, msgIDCount)
	for i := range info {
		info[i] = 0x01
	}
	return &MsgsStateInfo{ReqMsgID: reqMsgID, Info: info}
}

type MsgsAllInfo struct {
	MsgIDs []int64
	Info   []byte
}

func (MsgsAllInfo) ConstructorID() uint32 { return crcMsgsAllInfo }

type RpcError struct {
	ErrorCode    int32
	ErrorMessage string
}

func (RpcError) ConstructorID() uint32 { return crcRpcError }

// RawObject wraps any constructor this package's minimal reader does not
// know the full schema for: the TL binary schema of application objects is
// out of scope (spec.md §1), so the payload is kept as opaque bytes and
// handed to the request's own ReadResult, or — for the default dispatch
// branch — classified as an update via SubclassOfID.
type RawObject struct {
	CID        uint32
	SubclassID uint32
	Body       []byte
}

func (r *RawObject) ConstructorID() uint32 { return r.CID }
func (r *RawObject) SubclassOfID() uint32  { return r.SubclassID }

// UploadFile is the one application-level schema object the spec calls out
// by name: rpc_result bodies that don't match any pending request are
// speculatively parsed as upload.File (large file download chunks arrive
// this way when the owning request already timed out) and dropped silently
// on success.
type UploadFile struct {
	Type  TL
	Mtime int32
	Bytes []byte
}

func (UploadFile) ConstructorID() uint32 { return 0x096a18d5 }

func tryParseUploadFile(cid uint32, body []byte) (ok bool) {
	// upload.file#96a18d5 type:storage.FileType mtime:int bytes:bytes
	// the storage.FileType constructors all decode as a bare uint with no
	// body; validating the outer shape (constructor + int + string) is
	// enough to distinguish this from an arbitrary unrelated payload
	// without pulling in the full storage.* schema.
	if cid != 0x096a18d5 {
		return false
	}
	d := NewDecodeBuf(body)
	_ = d.Int() // type's constructor id (storage.fileUnknown etc.)
	_ = d.Int() // mtime
	_ = d.StringBytes()
	return d.err == nil
}

func encodeAny(obj TL) []byte {
	if enc, ok := obj.(interface{ Encode() []byte }); ok {
		return enc.Encode()
	}
	return nil
}

// ObjectReader decodes a constructor id plus body into a TL. The default
// implementation below recognizes only the meta constructors the sender's
// dispatch table must act on (spec.md §4.8); anything else is handed back
// as a RawObject so request.ReadResult or the update path can deal with
// it — this is the "used via readObject" external collaborator of spec.md
// §1.
type ObjectReader interface {
	ReadObject(d *DecodeBuf) (TL, error)
}

type defaultObjectReader struct{}

func (defaultObjectReader) ReadObject(d *DecodeBuf) (TL, error) {
	cid := d.UInt()
	if d.err != nil {
		return nil, d.err
	}
	switch cid {
	case crcMessageContainer:
		size := d.Int()
		items := make([]ContainerItem, 0, size)
		for i := int32(0); i < size; i++ {
			msgID := d.Long()
			seqNo := d.Int()
			bodyLen := d.Int()
			if d.err != nil {
				return nil, d.err
			}
			inner := NewDecodeBuf(d.Bytes(int(bodyLen)))
			obj, err := defaultObjectReader{}.ReadObject(inner)
			if err != nil {
				return nil, err
			}
			items = append(items, ContainerItem{MsgID: msgID, SeqNo: seqNo, Obj: obj})
		}
		if d.err != nil {
			return nil, d.err
		}
		return &MessageContainer{Items: items}, nil

	case crcRpcResult:
		reqMsgID := d.Long()
		rest := d.Remaining()
		inner := NewDecodeBuf(rest)
		obj, err := defaultObjectReader{}.ReadObject(inner)
		if err != nil {
			return nil, err
		}
		d.off = d.size
		return &RpcResult{ReqMsgID: reqMsgID, Obj: obj}, nil

	case crcGZIPPacked:
		packed := d.StringBytes()
		if d.err != nil {
			return nil, d.err
		}
		return &GZIPPacked{PackedData: packed}, nil

	case crcPong:
		msgID := d.Long()
		pingID := d.Long()
		return &Pong{MsgID: msgID, PingID: pingID}, nil

	case crcBadServerSalt:
		badID := d.Long()
		badSeq := d.Int()
		code := d.Int()
		newSalt := d.Long()
		return &BadServerSalt{BadMsgID: badID, BadMsgSeqNo: badSeq, ErrorCode: code, NewServerSalt: newSalt}, nil

	case crcBadMsgNotification:
		badID := d.Long()
		badSeq := d.Int()
		code := d.Int()
		return &BadMsgNotification{BadMsgID: badID, BadMsgSeqNo: badSeq, ErrorCode: code}, nil

	case crcMsgDetailedInfo:
		msgID := d.Long()
		answerID := d.Long()
		nbytes := d.Int()
		status := d.Int()
		return &MsgDetailedInfo{MsgID: msgID, AnswerMsgID: answerID, Bytes: nbytes, Status: status}, nil

	case crcMsgNewDetailedInfo:
		answerID := d.Long()
		nbytes := d.Int()
		status := d.Int()
		return &MsgNewDetailedInfo{AnswerMsgID: answerID, Bytes: nbytes, Status: status}, nil

	case crcNewSessionCreated:
		firstID := d.Long()
		unique := d.Long()
		salt := d.Long()
		return &NewSessionCreated{FirstMsgID: firstID, UniqueID: unique, ServerSalt: salt}, nil

	case crcMsgsAck:
		ids := d.VectorLong()
		return &MsgsAck{MsgIDs: ids}, nil

	case crcFutureSalts:
		reqID := d.Long()
		now := d.Int()
		count := d.Int()
		salts := make([]FutureSalt, 0, count)
		for i := int32(0); i < count; i++ {
			scid := d.UInt()
			if d.err != nil {
				return nil, d.err
			}
			if scid != crcFutureSalt {
				return nil, fmt.Errorf("future_salts: wrong inner constructor 0x%08x", scid)
			}
			since := d.Int()
			until := d.Int()
			salt := d.Long()
			salts = append(salts, FutureSalt{ValidSince: since, ValidUntil: until, Salt: salt})
		}
		return &FutureSalts{ReqMsgID: reqID, Now: now, Salts: salts}, nil

	case crcMsgsStateReq:
		ids := d.VectorLong()
		return &MsgsStateReq{MsgIDs: ids}, nil

	case crcMsgResendReq:
		ids := d.VectorLong()
		return &MsgResendReq{MsgIDs: ids}, nil

	case crcMsgsStateInfo:
		reqID := d.Long()
		info := d.StringBytes()
		return &MsgsStateInfo{ReqMsgID: reqID, Info: info}, nil

	case crcMsgsAllInfo:
		ids := d.VectorLong()
		info := d.StringBytes()
		return &MsgsAllInfo{MsgIDs: ids, Info: info}, nil

	case crcRpcError:
		code := d.Int()
		msg := d.String()
		return &RpcError{ErrorCode: code, ErrorMessage: msg}, nil

	case crcPingRequest:
		pingID := d.Long()
		return &pingRequest{PingID: pingID}, nil

	default:
		subclass := uint32(0)
		if updatesFamilyConstructors[cid] {
			subclass = SubclassOfUpdates
		}
		return &RawObject{CID: cid, SubclassID: subclass, Body: d.Remaining()}, nil
	}
}

// pingRequest is the one concrete application Request this package ships,
// used by Sender's keepalive loop and by tests exercising scenario S1.
type pingRequest struct {
	PingID int64
}

func (pingRequest) ConstructorID() uint32 { return crcPingRequest }
func (pingRequest) ClassType() string     { return ClassTypeRequest }

func (p *pingRequest) Encode() []byte {
	e := NewEncodeBuf(16)
	e.UInt(crcPingRequest)
	e.Long(p.PingID)
	return e.Bytes()
}

func (p *pingRequest) ReadResult(d *DecodeBuf) (TL, error) {
	cid := d.UInt()
	if d.err != nil {
		return nil, d.err
	}
	if cid != crcPong {
		return nil, fmt.Errorf("ping: unexpected reply constructor 0x%08x", cid)
	}
	msgID := d.Long()
	pingID := d.Long()
	if d.err != nil {
		return nil, d.err
	}
	return &Pong{MsgID: msgID, PingID: pingID}, nil
}

// LogOutRequest models auth.LogOut, the one RPC the dispatch table
// recognizes as "has no server reply, resolve it off the matching
// MsgsAck instead" (spec.md §4.8, MsgsAck row).
type LogOutRequest struct{}

func (LogOutRequest) ConstructorID() uint32 { return 0x3e72ba19 }
func (LogOutRequest) ClassType() string     { return ClassTypeRequest }
func (LogOutRequest) Encode() []byte {
	e := NewEncodeBuf(4)
	e.UInt(0x3e72ba19)
	return e.Bytes()
}
func (LogOutRequest) ReadResult(d *DecodeBuf) (TL, error) { return &BoolResult{Value: d.Bool()}, nil }

// BoolResult wraps a bare MTProto bool so it can flow through the same
// TL-typed completion path as every other reply.
type BoolResult struct {
	Value bool
}

func (BoolResult) ConstructorID() uint32 {
	return CRCBoolTrue // representative; bare bools have no single id of their own
}
