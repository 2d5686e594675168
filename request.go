package mtproto

import "sync"

// Completion is the one-shot handle a caller of Send gets back. Exactly
// one of Resolve/Reject may have effect; subsequent calls are no-ops. Wait
// blocks until one of them runs, and the channel from Done is closed then.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	result TL
	err    error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve fulfills the completion with a value. Idempotent.
func (c *Completion) Resolve(v TL) {
	c.once.Do(func() {
		c.result = v
		close(c.done)
	})
}

// Reject fulfills the completion with an error. Idempotent.
func (c *Completion) Reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed once Resolve or Reject has run.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the completion is fulfilled and returns its result.
func (c *Completion) Wait() (TL, error) {
	<-c.done
	return c.result, c.err
}

// RequestState pairs a submitted request with its resolvable completion
// handle and the header fields the sender assigns once the request enters
// a batch (spec.md §3/§4.1). Only the sender mutates MsgID/SeqNo/
// ContainerID after hand-off from the caller.
type RequestState struct {
	Req  Request
	Data []byte

	MsgID       int64
	SeqNo       int32
	ContainerID int64

	completion *Completion
}

// NewRequestState serializes req's body eagerly, so msg-id assignment
// later is a pure header concern (spec.md §4.1).
func NewRequestState(req Request) *RequestState {
	return &RequestState{
		Req:        req,
		Data:       req.Encode(),
		completion: NewCompletion(),
	}
}

func (r *RequestState) Promise() *Completion { return r.completion }

func (r *RequestState) Resolve(v TL)    { r.completion.Resolve(v) }
func (r *RequestState) Reject(err error) { r.completion.Reject(err) }

func (r *RequestState) ExpectsReply() bool {
	return r.Req.ClassType() == ClassTypeRequest
}
