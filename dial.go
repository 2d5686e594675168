package mtproto

import "net/url"

// ConnectTCP is the common-case entry point: build a plain TCPConnection
// for the given address and hand it to Connect, wiring up the
// connDescriptor reconnect needs to later rebuild an identical connection
// (spec.md §6's "same concrete type with the same ip/port/dcId/proxy").
func (s *Sender) ConnectTCP(ip string, port int, force bool) (bool, error) {
	return s.ConnectTCPProxy(ip, port, nil, force)
}

func (s *Sender) ConnectTCPProxy(ip string, port int, proxy *url.URL, force bool) (bool, error) {
	desc := connDescriptor{
		IP:      ip,
		Port:    port,
		DcID:    s.opts.DcID,
		Proxy:   proxy,
		Timeout: s.opts.ConnectTimeout,
		NewConn: func(d connDescriptor) Connection {
			return NewTCPConnection(d, s.log)
		},
	}
	return s.Connect(desc.clone(), desc, force)
}

// ConnectObfuscated wraps the TCP connection in transport obfuscation
// before handing it to Connect, otherwise identical to ConnectTCP.
func (s *Sender) ConnectObfuscated(ip string, port int, force bool) (bool, error) {
	desc := connDescriptor{
		IP:      ip,
		Port:    port,
		DcID:    s.opts.DcID,
		Timeout: s.opts.ConnectTimeout,
		NewConn: func(d connDescriptor) Connection {
			return NewObfuscatedConnection(NewTCPConnection(d, s.log))
		},
	}
	return s.Connect(desc.clone(), desc, force)
}
