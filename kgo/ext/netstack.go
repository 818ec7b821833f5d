package ext

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// Network errors. This is the complete set the stack returns.
var (
	ErrNetInvalid     = errors.New("net: invalid argument")
	ErrNoSocket       = errors.New("net: no such socket")
	ErrAFNoSupport    = errors.New("net: address family not supported")
	ErrNotSupported   = errors.New("net: operation not supported")
	ErrAddrInUse      = errors.New("net: address already in use")
	ErrNetUnreachable = errors.New("net: network is unreachable")
	ErrConnRefused    = errors.New("net: connection refused")
	ErrIsConnected    = errors.New("net: socket is already connected")
	ErrNotConnected   = errors.New("net: socket is not connected")
	ErrNetWouldBlock  = errors.New("net: operation would block")
	ErrConnReset      = errors.New("net: connection reset by peer")
	ErrShutdown       = errors.New("net: socket is shut down for writing")
	ErrMsgSize        = errors.New("net: message too long")
)

const (
	// SocketBuffer is the receive buffer size of one socket.
	SocketBuffer = 64 << 10
	// MaxDatagram is the largest datagram payload.
	MaxDatagram = 65507
	// Backlog caps pending connections of a listener.
	Backlog = 128

	ephemeralFirst = 49152
)

var loopback = netip.MustParsePrefix("127.0.0.0/8")

type sockState uint8

const (
	stateOpen sockState = iota
	stateBound
	stateListening
	stateConnected
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

type socket struct {
	id     uint64
	typ    int
	state  sockState
	local  netip.AddrPort
	remote netip.AddrPort

	peer    *socket
	stream  []byte
	dgrams  []datagram
	pending []*socket

	shutRd, shutWr bool
	closed         bool
	opts           map[int]int
}

// Stats are the counters reported by the net_stats call.
type Stats struct {
	TxPackets uint64
	RxPackets uint64
	TxBytes   uint64
	RxBytes   uint64
	Dropped   uint64
}

// NetStack is a loopback-only socket layer. Nothing here ever blocks:
// calls that would wait fail with ErrNetWouldBlock instead.
type NetStack struct {
	mu       sync.Mutex
	nextID   uint64
	nextPort uint16
	socks    map[uint64]*socket
	ports    map[portKey]*socket
	stats    Stats
}

type portKey struct {
	typ  int
	port uint16
}

func NewNetStack() *NetStack {
	return &NetStack{
		nextID:   1,
		nextPort: ephemeralFirst,
		socks:    make(map[uint64]*socket),
		ports:    make(map[portKey]*socket),
	}
}

func (n *NetStack) get(id uint64) (*socket, error) {
	s, ok := n.socks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSocket, id)
	}
	return s, nil
}

// Socket creates an unbound socket. Only AF_INET stream and datagram sockets exist.
func (n *NetStack) Socket(domain, typ int) (uint64, error) {
	if domain != abi.AF_INET {
		return 0, fmt.Errorf("%w: domain %d", ErrAFNoSupport, domain)
	}
	typ &^= abi.SOCK_NONBLOCK | abi.SOCK_CLOEXEC
	if typ != abi.SOCK_STREAM && typ != abi.SOCK_DGRAM {
		return 0, fmt.Errorf("%w: socket type %d", ErrNetInvalid, typ)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &socket{id: n.nextID, typ: typ, opts: make(map[int]int)}
	n.nextID++
	n.socks[s.id] = s
	return s.id, nil
}

func (n *NetStack) ephemeral(typ int) (uint16, error) {
	for i := 0; i < 1<<16-ephemeralFirst; i++ {
		port := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = ephemeralFirst
		}
		if _, used := n.ports[portKey{typ, port}]; !used {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no ephemeral port left", ErrAddrInUse)
}

func (n *NetStack) bind(s *socket, addr netip.AddrPort) error {
	if s.state != stateOpen {
		return fmt.Errorf("%w: socket %d is already bound", ErrNetInvalid, s.id)
	}
	ip := addr.Addr()
	if !ip.IsValid() || ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	if !ip.Is4() || !loopback.Contains(ip) {
		return fmt.Errorf("%w: %s is not a local address", ErrNetInvalid, ip)
	}
	port := addr.Port()
	if port == 0 {
		var err error
		if port, err = n.ephemeral(s.typ); err != nil {
			return err
		}
	} else if _, used := n.ports[portKey{s.typ, port}]; used {
		return fmt.Errorf("%w: port %d", ErrAddrInUse, port)
	}
	s.local = netip.AddrPortFrom(ip, port)
	s.state = stateBound
	n.ports[portKey{s.typ, port}] = s
	return nil
}

func (n *NetStack) Bind(id uint64, addr netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	return n.bind(s, addr)
}

func (n *NetStack) Listen(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	if s.typ != abi.SOCK_STREAM {
		return fmt.Errorf("%w: listen on datagram socket", ErrNotSupported)
	}
	switch s.state {
	case stateConnected:
		return fmt.Errorf("%w: socket %d", ErrIsConnected, id)
	case stateOpen:
		if err := n.bind(s, netip.AddrPort{}); err != nil {
			return err
		}
	}
	s.state = stateListening
	return nil
}

func checkReachable(addr netip.AddrPort) error {
	if !addr.Addr().Is4() || !loopback.Contains(addr.Addr()) {
		return fmt.Errorf("%w: %s", ErrNetUnreachable, addr.Addr())
	}
	return nil
}

// Connect links a stream socket to a listener, or sets the default
// destination of a datagram socket.
func (n *NetStack) Connect(id uint64, addr netip.AddrPort) error {
	if err := checkReachable(addr); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	if s.state == stateConnected && s.typ == abi.SOCK_STREAM {
		return fmt.Errorf("%w: socket %d", ErrIsConnected, id)
	}
	if s.state == stateListening {
		return fmt.Errorf("%w: socket %d is listening", ErrNetInvalid, id)
	}
	if s.typ == abi.SOCK_DGRAM {
		if s.state == stateOpen {
			if err := n.bind(s, netip.AddrPort{}); err != nil {
				return err
			}
		}
		s.remote = addr
		s.state = stateConnected
		return nil
	}
	l, ok := n.ports[portKey{abi.SOCK_STREAM, addr.Port()}]
	if !ok || l.state != stateListening || len(l.pending) >= Backlog {
		return fmt.Errorf("%w: %s", ErrConnRefused, addr)
	}
	if s.state == stateOpen {
		if err := n.bind(s, netip.AddrPort{}); err != nil {
			return err
		}
	}
	server := &socket{
		id:     n.nextID,
		typ:    abi.SOCK_STREAM,
		state:  stateConnected,
		local:  l.local,
		remote: s.local,
		peer:   s,
		opts:   make(map[int]int),
	}
	n.nextID++
	n.socks[server.id] = server
	s.peer = server
	s.remote = l.local
	s.state = stateConnected
	l.pending = append(l.pending, server)
	return nil
}

// Accept takes the oldest pending connection of a listener.
func (n *NetStack) Accept(id uint64) (uint64, netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if s.state != stateListening {
		return 0, netip.AddrPort{}, fmt.Errorf("%w: socket %d is not listening", ErrNetInvalid, id)
	}
	if len(s.pending) == 0 {
		return 0, netip.AddrPort{}, fmt.Errorf("%w: no pending connection", ErrNetWouldBlock)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c.id, c.remote, nil
}

// Send transmits data. to overrides the destination of a datagram socket.
func (n *NetStack) Send(id uint64, data []byte, to *netip.AddrPort) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return 0, err
	}
	if s.shutWr {
		return 0, fmt.Errorf("%w: socket %d", ErrShutdown, id)
	}
	if s.typ == abi.SOCK_DGRAM {
		return n.sendDatagram(s, data, to)
	}
	if s.state != stateConnected {
		return 0, fmt.Errorf("%w: socket %d", ErrNotConnected, id)
	}
	if to != nil {
		return 0, fmt.Errorf("%w: socket %d", ErrIsConnected, id)
	}
	p := s.peer
	if p == nil || p.closed || p.shutRd {
		return 0, fmt.Errorf("%w: socket %d", ErrConnReset, id)
	}
	if len(data) == 0 {
		return 0, nil
	}
	space := SocketBuffer - len(p.stream)
	if space == 0 {
		return 0, fmt.Errorf("%w: peer buffer full", ErrNetWouldBlock)
	}
	w := min(space, len(data))
	p.stream = append(p.stream, data[:w]...)
	n.stats.TxPackets++
	n.stats.RxPackets++
	n.stats.TxBytes += uint64(w)
	n.stats.RxBytes += uint64(w)
	return w, nil
}

func (n *NetStack) sendDatagram(s *socket, data []byte, to *netip.AddrPort) (int, error) {
	dst := s.remote
	if to != nil {
		dst = *to
	}
	if !dst.IsValid() {
		return 0, fmt.Errorf("%w: no destination", ErrNotConnected)
	}
	if err := checkReachable(dst); err != nil {
		return 0, err
	}
	if len(data) > MaxDatagram {
		return 0, fmt.Errorf("%w: %d bytes", ErrMsgSize, len(data))
	}
	if s.state == stateOpen {
		if err := n.bind(s, netip.AddrPort{}); err != nil {
			return 0, err
		}
	}
	n.stats.TxPackets++
	n.stats.TxBytes += uint64(len(data))
	r, ok := n.ports[portKey{abi.SOCK_DGRAM, dst.Port()}]
	if !ok || r.shutRd || queued(r)+len(data) > SocketBuffer {
		n.stats.Dropped++
		return len(data), nil
	}
	r.dgrams = append(r.dgrams, datagram{from: s.local, data: append([]byte(nil), data...)})
	n.stats.RxPackets++
	n.stats.RxBytes += uint64(len(data))
	return len(data), nil
}

func queued(s *socket) int {
	total := 0
	for _, d := range s.dgrams {
		total += len(d.data)
	}
	return total
}

// Recv reads up to max bytes. A stream whose peer has gone or stopped
// writing reads as end of file once drained.
func (n *NetStack) Recv(id uint64, max int) ([]byte, netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	if s.typ == abi.SOCK_DGRAM {
		if len(s.dgrams) == 0 {
			if s.shutRd {
				return nil, netip.AddrPort{}, nil
			}
			return nil, netip.AddrPort{}, fmt.Errorf("%w: no datagram", ErrNetWouldBlock)
		}
		d := s.dgrams[0]
		s.dgrams = s.dgrams[1:]
		if len(d.data) > max {
			d.data = d.data[:max]
		}
		return d.data, d.from, nil
	}
	if s.state != stateConnected {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: socket %d", ErrNotConnected, id)
	}
	if len(s.stream) > 0 && !s.shutRd {
		k := min(max, len(s.stream))
		out := append([]byte(nil), s.stream[:k]...)
		s.stream = s.stream[k:]
		return out, s.remote, nil
	}
	if s.shutRd || s.peer == nil || s.peer.closed || s.peer.shutWr {
		return nil, s.remote, nil
	}
	return nil, netip.AddrPort{}, fmt.Errorf("%w: no data", ErrNetWouldBlock)
}

func (n *NetStack) Shutdown(id uint64, how int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	if s.state != stateConnected {
		return fmt.Errorf("%w: socket %d", ErrNotConnected, id)
	}
	switch how {
	case abi.SHUT_RD:
		s.shutRd = true
	case abi.SHUT_WR:
		s.shutWr = true
	case abi.SHUT_RDWR:
		s.shutRd, s.shutWr = true, true
	default:
		return fmt.Errorf("%w: shutdown how %d", ErrNetInvalid, how)
	}
	return nil
}

func (n *NetStack) PeerName(id uint64) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if s.state != stateConnected {
		return netip.AddrPort{}, fmt.Errorf("%w: socket %d", ErrNotConnected, id)
	}
	return s.remote, nil
}

func checkOpt(level, name int) error {
	if level != abi.SOL_SOCKET {
		return fmt.Errorf("%w: option level %d", ErrNotSupported, level)
	}
	switch name {
	case abi.SO_REUSEADDR, abi.SO_TYPE, abi.SO_ERROR, abi.SO_SNDBUF, abi.SO_RCVBUF, abi.SO_KEEPALIVE:
		return nil
	default:
		return fmt.Errorf("%w: option %d", ErrNotSupported, name)
	}
}

func (n *NetStack) SetOpt(id uint64, level, name, val int) error {
	if err := checkOpt(level, name); err != nil {
		return err
	}
	if name == abi.SO_TYPE || name == abi.SO_ERROR {
		return fmt.Errorf("%w: option %d is read-only", ErrNetInvalid, name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	s.opts[name] = val
	return nil
}

func (n *NetStack) GetOpt(id uint64, level, name int) (int, error) {
	if err := checkOpt(level, name); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return 0, err
	}
	switch name {
	case abi.SO_TYPE:
		return s.typ, nil
	case abi.SO_ERROR:
		return 0, nil
	case abi.SO_SNDBUF, abi.SO_RCVBUF:
		if v, ok := s.opts[name]; ok {
			return v, nil
		}
		return SocketBuffer, nil
	default:
		return s.opts[name], nil
	}
}

// Close releases a socket. Pending connections of a listener are reset.
func (n *NetStack) Close(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return err
	}
	s.closed = true
	if s.state == stateBound || s.state == stateListening || (s.state == stateConnected && n.ports[portKey{s.typ, s.local.Port()}] == s) {
		delete(n.ports, portKey{s.typ, s.local.Port()})
	}
	for _, c := range s.pending {
		c.closed = true
		delete(n.socks, c.id)
	}
	delete(n.socks, id)
	return nil
}

// Poll reports whether Recv or Send on the socket would make progress now.
// A listener is readable while a connection is pending.
func (n *NetStack) Poll(id uint64) (readable, writable bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(id)
	if err != nil {
		return false, false, err
	}
	switch {
	case s.state == stateListening:
		return len(s.pending) > 0, false, nil
	case s.typ == abi.SOCK_DGRAM:
		return len(s.dgrams) > 0 || s.shutRd, !s.shutWr, nil
	case s.state != stateConnected:
		return false, false, nil
	}
	gone := s.peer == nil || s.peer.closed
	readable = len(s.stream) > 0 || s.shutRd || gone || s.peer.shutWr
	writable = s.shutWr || gone || len(s.peer.stream) < SocketBuffer
	return readable, writable, nil
}

// Sockets returns the ids of all open sockets in ascending order.
func (n *NetStack) Sockets() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uint64, 0, len(n.socks))
	for id := range n.socks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IfaceCount reports the number of interfaces: only loopback exists.
func (n *NetStack) IfaceCount() int { return 1 }

func (n *NetStack) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Route returns the interface index that reaches addr.
func (n *NetStack) Route(addr netip.Addr) (int, error) {
	if !addr.Is4() || !loopback.Contains(addr) {
		return 0, fmt.Errorf("%w: %s", ErrNetUnreachable, addr)
	}
	return 1, nil
}
