package kernel

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var netCalls = []callEntry{
	{abi.SysSocket, "socket", groupNet, sysSocket},
	{abi.SysConnect, "connect", groupNet, sysConnect},
	{abi.SysAccept, "accept", groupNet, sysAccept},
	{abi.SysSendto, "sendto", groupNet, sysSendto},
	{abi.SysRecvfrom, "recvfrom", groupNet, sysRecvfrom},
	{abi.SysSendmsg, "sendmsg", groupNet, sysSendmsg},
	{abi.SysRecvmsg, "recvmsg", groupNet, sysRecvmsg},
	{abi.SysShutdown, "shutdown", groupNet, sysShutdown},
	{abi.SysBind, "bind", groupNet, sysBind},
	{abi.SysListen, "listen", groupNet, sysListen},
	{abi.SysSetsockopt, "setsockopt", groupNet, sysSetsockopt},
	{abi.SysGetsockopt, "getsockopt", groupNet, sysGetsockopt},
	{abi.SysGetpeername, "getpeername", groupNet, sysGetpeername},

	{abi.SysNetIfaceCount, "net_iface_count", groupNet, sysNetIfaceCount},
	{abi.SysNetStats, "net_stats", groupNet, sysNetStats},
	{abi.SysNetRoute, "net_route", groupNet, sysNetRoute},
}

// netStatsSize is five counters: tx and rx packets, tx and rx bytes, drops.
const netStatsSize = 40

// readSockaddr decodes a sockaddr_in: family, big endian port, IPv4 address.
func (t *Task) readSockaddr(addr, length uint64) (netip.AddrPort, error) {
	if length < abi.SockaddrInLen {
		return netip.AddrPort{}, fmt.Errorf("%w: sockaddr of %d bytes", abi.EINVAL, length)
	}
	b, err := t.copyIn(addr, abi.SockaddrInLen)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if family := binary.LittleEndian.Uint16(b); family != abi.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("%w: address family %d", abi.EAFNOSUPPORT, family)
	}
	ip := netip.AddrFrom4([4]byte(b[4:8]))
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[2:])), nil
}

func encodeSockaddr(ap netip.AddrPort) []byte {
	b := make([]byte, abi.SockaddrInLen)
	binary.LittleEndian.PutUint16(b, abi.AF_INET)
	binary.BigEndian.PutUint16(b[2:], ap.Port())
	ip := ap.Addr().As4()
	copy(b[4:], ip[:])
	return b
}

// checkAddrOut validates an (addr, *len) output pair and returns the room at addr.
func (t *Task) checkAddrOut(addr, lenAddr uint64) (int, error) {
	if addr == 0 {
		return 0, nil
	}
	l, err := t.readI32(lenAddr)
	if err != nil {
		return 0, err
	}
	if l < 0 {
		return 0, fmt.Errorf("%w: address length %d", abi.EINVAL, l)
	}
	if err := t.user(lenAddr, 4, vmm.AccessWrite); err != nil {
		return 0, err
	}
	room := min(int(l), abi.SockaddrInLen)
	if room > 0 {
		if err := t.user(addr, uint64(room), vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	return room, nil
}

// writeAddrOut stores as much of ap as fits and the full length at lenAddr.
func (t *Task) writeAddrOut(addr, lenAddr uint64, room int, ap netip.AddrPort) error {
	if addr == 0 {
		return nil
	}
	if room > 0 {
		if err := t.copyOut(addr, encodeSockaddr(ap)[:room]); err != nil {
			return err
		}
	}
	return t.writeU32(lenAddr, abi.SockaddrInLen)
}

func (t *Task) sockFile(fd int) (*openFile, error) {
	f, err := t.k.files.get(fd)
	if err != nil {
		return nil, err
	}
	if f.kind != FileSocket {
		return nil, fmt.Errorf("%w: descriptor %d is a %s", abi.ENOTSOCK, fd, f.kind)
	}
	return f, nil
}

// installSocket gives a socket a descriptor, closing it again if none is free.
func (t *Task) installSocket(id uint64, flags int) (uint64, error) {
	f := &openFile{
		kind:  FileSocket,
		acc:   abi.O_RDWR,
		path:  fmt.Sprintf("socket:[%d]", id),
		flags: flags & abi.O_NONBLOCK,
		sock:  id,
	}
	fd, err := t.k.files.install(f, flags&abi.SOCK_CLOEXEC != 0, 0)
	if err != nil {
		_ = t.k.svc.Net.Close(id)
		return 0, err
	}
	return uint64(fd), nil
}

func sysSocket(t *Task, a abi.CallArguments) (uint64, error) {
	domain, typ, proto := int(a.Int32(0)), int(a.Int32(1)), a.Int32(2)
	base := typ &^ (abi.SOCK_NONBLOCK | abi.SOCK_CLOEXEC)
	switch {
	case proto == 0,
		proto == abi.IPPROTO_TCP && base == abi.SOCK_STREAM,
		proto == abi.IPPROTO_UDP && base == abi.SOCK_DGRAM:
	default:
		return 0, fmt.Errorf("%w: protocol %d", abi.EINVAL, proto)
	}
	if err := t.k.files.reserve(1); err != nil {
		return 0, err
	}
	id, err := t.k.svc.Net.Socket(domain, typ)
	if err != nil {
		return 0, netErrno(err)
	}
	return t.installSocket(id, typ)
}

func sysBind(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	ap, err := t.readSockaddr(a.Addr(1), a.Len(2))
	if err != nil {
		return 0, err
	}
	return 0, netErrno(t.k.svc.Net.Bind(f.sock, ap))
}

func sysListen(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	return 0, netErrno(t.k.svc.Net.Listen(f.sock))
}

func sysConnect(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	ap, err := t.readSockaddr(a.Addr(1), a.Len(2))
	if err != nil {
		return 0, err
	}
	return 0, netErrno(t.k.svc.Net.Connect(f.sock, ap))
}

func sysAccept(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	room, err := t.checkAddrOut(a.Addr(1), a.Addr(2))
	if err != nil {
		return 0, err
	}
	if err := t.k.files.reserve(1); err != nil {
		return 0, err
	}
	id, peer, err := t.k.svc.Net.Accept(f.sock)
	if err != nil {
		return 0, netErrno(err)
	}
	fd, err := t.installSocket(id, 0)
	if err != nil {
		return 0, err
	}
	return fd, t.writeAddrOut(a.Addr(1), a.Addr(2), room, peer)
}

func sysSendto(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	buf, length, flags := a.Addr(1), min(a.Len(2), maxIO), int(a.Int32(3))
	if flags&^abi.MSG_DONTWAIT != 0 {
		return 0, fmt.Errorf("%w: send flags %#x", abi.EOPNOTSUPP, flags)
	}
	var data []byte
	if length > 0 {
		if data, err = t.copyIn(buf, length); err != nil {
			return 0, err
		}
	}
	var to *netip.AddrPort
	if dest := a.Addr(4); dest != 0 {
		ap, err := t.readSockaddr(dest, a.Len(5))
		if err != nil {
			return 0, err
		}
		to = &ap
	}
	n, err := t.k.svc.Net.Send(f.sock, data, to)
	return uint64(n), netErrno(err)
}

func sysRecvfrom(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	buf, length, flags := a.Addr(1), min(a.Len(2), maxIO), int(a.Int32(3))
	if flags&^abi.MSG_DONTWAIT != 0 {
		return 0, fmt.Errorf("%w: receive flags %#x", abi.EOPNOTSUPP, flags)
	}
	if length > 0 {
		if err := t.user(buf, length, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	room, err := t.checkAddrOut(a.Addr(4), a.Addr(5))
	if err != nil {
		return 0, err
	}
	data, from, err := t.k.svc.Net.Recv(f.sock, int(length))
	if err != nil {
		return 0, netErrno(err)
	}
	t.k.vm.Memory().SetRange(buf, data)
	return uint64(len(data)), t.writeAddrOut(a.Addr(4), a.Addr(5), room, from)
}

type iovec struct {
	base, len uint64
}

// msghdr is the part of struct msghdr the socket calls use.
type msghdr struct {
	name    uint64
	namelen uint32
	iov     []iovec
}

func (t *Task) readMsghdr(addr uint64, access vmm.Access) (msghdr, error) {
	b, err := t.copyIn(addr, abi.MsghdrLen)
	if err != nil {
		return msghdr{}, err
	}
	h := msghdr{
		name:    binary.LittleEndian.Uint64(b[0:]),
		namelen: binary.LittleEndian.Uint32(b[8:]),
	}
	iovAddr, iovLen := binary.LittleEndian.Uint64(b[16:]), binary.LittleEndian.Uint64(b[24:])
	if iovLen > abi.UIO_MAXIOV {
		return msghdr{}, fmt.Errorf("%w: %d iovecs", abi.EMSGSIZE, iovLen)
	}
	if iovLen == 0 {
		return h, nil
	}
	raw, err := t.copyIn(iovAddr, iovLen*abi.IovecLen)
	if err != nil {
		return msghdr{}, err
	}
	var total uint64
	for i := uint64(0); i < iovLen; i++ {
		v := iovec{
			base: binary.LittleEndian.Uint64(raw[i*abi.IovecLen:]),
			len:  binary.LittleEndian.Uint64(raw[i*abi.IovecLen+8:]),
		}
		if v.len > maxIO-total {
			v.len = maxIO - total
		}
		total += v.len
		if v.len > 0 {
			if err := t.user(v.base, v.len, access); err != nil {
				return msghdr{}, err
			}
		}
		h.iov = append(h.iov, v)
	}
	return h, nil
}

func sysSendmsg(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if flags := int(a.Int32(2)); flags&^abi.MSG_DONTWAIT != 0 {
		return 0, fmt.Errorf("%w: send flags %#x", abi.EOPNOTSUPP, flags)
	}
	h, err := t.readMsghdr(a.Addr(1), vmm.AccessRead)
	if err != nil {
		return 0, err
	}
	var data []byte
	for _, v := range h.iov {
		chunk := make([]byte, v.len)
		t.k.vm.Memory().GetRange(v.base, chunk)
		data = append(data, chunk...)
	}
	var to *netip.AddrPort
	if h.name != 0 {
		ap, err := t.readSockaddr(h.name, uint64(h.namelen))
		if err != nil {
			return 0, err
		}
		to = &ap
	}
	n, err := t.k.svc.Net.Send(f.sock, data, to)
	return uint64(n), netErrno(err)
}

func sysRecvmsg(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if flags := int(a.Int32(2)); flags&^abi.MSG_DONTWAIT != 0 {
		return 0, fmt.Errorf("%w: receive flags %#x", abi.EOPNOTSUPP, flags)
	}
	msgAddr := a.Addr(1)
	h, err := t.readMsghdr(msgAddr, vmm.AccessWrite)
	if err != nil {
		return 0, err
	}
	if err := t.user(msgAddr, abi.MsghdrLen, vmm.AccessWrite); err != nil {
		return 0, err
	}
	var total uint64
	for _, v := range h.iov {
		total += v.len
	}
	data, from, err := t.k.svc.Net.Recv(f.sock, int(total))
	if err != nil {
		return 0, netErrno(err)
	}
	rest := data
	for _, v := range h.iov {
		n := min(uint64(len(rest)), v.len)
		t.k.vm.Memory().SetRange(v.base, rest[:n])
		rest = rest[n:]
	}
	if h.name != 0 {
		room := min(int(h.namelen), abi.SockaddrInLen)
		if room > 0 {
			if err := t.copyOut(h.name, encodeSockaddr(from)[:room]); err != nil {
				return 0, err
			}
		}
		if err := t.writeU32(msgAddr+8, abi.SockaddrInLen); err != nil {
			return 0, err
		}
	}
	// msg_flags
	if err := t.writeU32(msgAddr+48, 0); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

func sysShutdown(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	return 0, netErrno(t.k.svc.Net.Shutdown(f.sock, int(a.Int32(1))))
}

func sysGetpeername(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if a.Addr(1) == 0 {
		return 0, fmt.Errorf("%w: null address buffer", abi.EFAULT)
	}
	room, err := t.checkAddrOut(a.Addr(1), a.Addr(2))
	if err != nil {
		return 0, err
	}
	ap, err := t.k.svc.Net.PeerName(f.sock)
	if err != nil {
		return 0, netErrno(err)
	}
	return 0, t.writeAddrOut(a.Addr(1), a.Addr(2), room, ap)
}

func sysSetsockopt(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if a.Len(4) < 4 {
		return 0, fmt.Errorf("%w: option length %d", abi.EINVAL, a.Len(4))
	}
	v, err := t.readI32(a.Addr(3))
	if err != nil {
		return 0, err
	}
	return 0, netErrno(t.k.svc.Net.SetOpt(f.sock, int(a.Int32(1)), int(a.Int32(2)), int(v)))
}

func sysGetsockopt(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.sockFile(a.Fd(0))
	if err != nil {
		return 0, err
	}
	l, err := t.readI32(a.Addr(4))
	if err != nil {
		return 0, err
	}
	if l < 4 {
		return 0, fmt.Errorf("%w: option length %d", abi.EINVAL, l)
	}
	if err := t.user(a.Addr(3), 4, vmm.AccessWrite); err != nil {
		return 0, err
	}
	v, err := t.k.svc.Net.GetOpt(f.sock, int(a.Int32(1)), int(a.Int32(2)))
	if err != nil {
		return 0, netErrno(err)
	}
	if err := t.writeU32(a.Addr(3), uint32(v)); err != nil {
		return 0, err
	}
	return 0, t.writeU32(a.Addr(4), 4)
}

func sysNetIfaceCount(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.svc.Net.IfaceCount()), nil
}

func sysNetStats(t *Task, a abi.CallArguments) (uint64, error) {
	st := t.k.svc.Net.Stats()
	b := make([]byte, 0, netStatsSize)
	for _, v := range []uint64{st.TxPackets, st.RxPackets, st.TxBytes, st.RxBytes, st.Dropped} {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return 0, t.copyOut(a.Addr(0), b)
}

// sysNetRoute returns the interface index that reaches the IPv4 address at a0.
func sysNetRoute(t *Task, a abi.CallArguments) (uint64, error) {
	if a.Len(1) != 4 {
		return 0, fmt.Errorf("%w: address of %d bytes", abi.EINVAL, a.Len(1))
	}
	b, err := t.copyIn(a.Addr(0), 4)
	if err != nil {
		return 0, err
	}
	iface, err := t.k.svc.Net.Route(netip.AddrFrom4([4]byte(b)))
	return uint64(iface), netErrno(err)
}
