// Package rtpchannel provides the default UDP-backed RtpChannel
// collaborator: one or two sockets (RTP, optionally RTCP control), each
// read by its own goroutine, delivering datagrams to a single registered
// callback per socket.
package rtpchannel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sendrecv/rtpsession/pkg/rtpsession"
)

// bufferSize is the per-read buffer, sized like the teacher's UDP
// transport for MTU-sized RTP/RTCP datagrams.
const bufferSize = 1500

// UDPChannel is the default github.com/sendrecv/rtpsession Channel
// implementation. It owns one UDP socket for RTP and, unless RTCP is
// multiplexed onto that same socket, a second for RTCP control.
type UDPChannel struct {
	rtpConn     *net.UDPConn
	controlConn *net.UDPConn

	onRTP     func(local, remote net.Addr, data []byte)
	onControl func(local, remote net.Addr, data []byte)
	onClosed  func(reason error)

	cbMu sync.RWMutex

	closed atomic.Bool
}

// New binds a new RTP socket and, unless muxed, a companion RTCP control
// socket on the next port. addr is the local address to bind (an empty
// host binds all interfaces); port 0 picks an ephemeral port.
func New(addr string, muxed bool) (*UDPChannel, error) {
	rtpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpchannel: resolve local address: %w", err)
	}

	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("rtpchannel: bind RTP socket: %w", err)
	}

	c := &UDPChannel{rtpConn: rtpConn}

	if !muxed {
		controlAddr := &net.UDPAddr{IP: rtpAddr.IP, Port: rtpConn.LocalAddr().(*net.UDPAddr).Port + 1}
		controlConn, err := net.ListenUDP("udp", controlAddr)
		if err != nil {
			rtpConn.Close()
			return nil, fmt.Errorf("rtpchannel: bind control socket: %w", err)
		}
		c.controlConn = controlConn
	}

	go c.readLoop(c.rtpConn, false)
	if c.controlConn != nil {
		go c.readLoop(c.controlConn, true)
	}

	return c, nil
}

func (c *UDPChannel) readLoop(conn *net.UDPConn, control bool) {
	buf := make([]byte, bufferSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		c.cbMu.RLock()
		cb := c.onControl
		if !control {
			cb = c.onRTP
		}
		c.cbMu.RUnlock()

		if cb != nil {
			cb(conn.LocalAddr(), remote, data)
		}
	}
}

// Send implements rtpsession.Channel.
func (c *UDPChannel) Send(socket rtpsession.SocketKind, dest net.Addr, data []byte) error {
	conn := c.rtpConn
	if socket == rtpsession.SocketControl && c.controlConn != nil {
		conn = c.controlConn
	}
	udpAddr, ok := dest.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dest.String())
		if err != nil {
			return fmt.Errorf("rtpchannel: resolve destination: %w", err)
		}
		udpAddr = resolved
	}
	_, err := conn.WriteToUDP(data, udpAddr)
	return err
}

// RTPPort implements rtpsession.Channel.
func (c *UDPChannel) RTPPort() int {
	return c.rtpConn.LocalAddr().(*net.UDPAddr).Port
}

// Close implements rtpsession.Channel. Idempotent.
func (c *UDPChannel) Close(reason error) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.rtpConn.Close()
	if c.controlConn != nil {
		c.controlConn.Close()
	}
	c.cbMu.RLock()
	onClosed := c.onClosed
	c.cbMu.RUnlock()
	if onClosed != nil {
		onClosed(reason)
	}
	return nil
}

func (c *UDPChannel) OnRTPReceived(f func(local, remote net.Addr, data []byte)) {
	c.cbMu.Lock()
	c.onRTP = f
	c.cbMu.Unlock()
}

func (c *UDPChannel) OnControlReceived(f func(local, remote net.Addr, data []byte)) {
	c.cbMu.Lock()
	c.onControl = f
	c.cbMu.Unlock()
}

func (c *UDPChannel) OnClosed(f func(reason error)) {
	c.cbMu.Lock()
	c.onClosed = f
	c.cbMu.Unlock()
}

// NewFactory returns a rtpsession.ChannelFactory that binds every channel
// to an ephemeral port on bindIP, the way a Config wires up its transport.
func NewFactory(bindIP string) rtpsession.ChannelFactory {
	return func(kind rtpsession.MediaKind, muxed bool) (rtpsession.Channel, error) {
		return New(fmt.Sprintf("%s:0", bindIP), muxed)
	}
}

var _ rtpsession.Channel = (*UDPChannel)(nil)
