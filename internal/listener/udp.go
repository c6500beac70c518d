// Package listener implements the UDP ingress stage (spec §4.1): one
// socket bound to general.listen_port, reading datagrams as fast as the
// kernel delivers them and handing them to the pipeline over a bounded
// channel, never blocking on a slow consumer.
//
// Adapted from the teacher's original UDPListener: same read-loop shape
// (goroutine + stop channel + drop-on-full send), generalized to
// flow.Datagram, wired into the shared flow.Counters instead of silently
// discarding on a full channel, and given a sync.Pool so steady-state
// operation does not allocate one buffer per packet.
package listener

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowrelay/pkg/flow"
)

const MaxDatagramSize = 65535

// UDPListener receives flow-export datagrams on one UDP socket.
type UDPListener struct {
	conn       *net.UDPConn
	port       int
	bufferSize int

	datagrams chan *flow.Datagram
	stopChan  chan struct{}
	wg        sync.WaitGroup

	pool     sync.Pool
	counters *flow.Counters
	logger   *zap.Logger
}

// New builds a listener bound to port, with internal queue capacity
// queueSize (performance.queue_size) and kernel socket buffer bufferSize
// (general.buffer_size).
func New(port, queueSize, bufferSize int, counters *flow.Counters, logger *zap.Logger) *UDPListener {
	l := &UDPListener{
		port:       port,
		bufferSize: bufferSize,
		datagrams:  make(chan *flow.Datagram, queueSize),
		stopChan:   make(chan struct{}),
		counters:   counters,
		logger:     logger,
	}
	l.pool.New = func() any {
		b := make([]byte, MaxDatagramSize)
		return &b
	}
	return l
}

// Start opens the UDP socket and begins the read loop. A bind failure is
// returned to the caller, who is expected to exit 2 per spec §6.
func (l *UDPListener) Start() error {
	addr := &net.UDPAddr{Port: l.port, IP: net.IPv4zero}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", l.port, err)
	}
	if err := conn.SetReadBuffer(l.bufferSize); err != nil && l.logger != nil {
		l.logger.Warn("could not set UDP receive buffer size", zap.Int("requested", l.bufferSize), zap.Error(err))
	}
	l.conn = conn

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		bufPtr := l.pool.Get().(*[]byte)
		buf := *bufPtr

		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.pool.Put(bufPtr)
			select {
			case <-l.stopChan:
				return
			default:
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.pool.Put(bufPtr)

		if l.counters != nil {
			l.counters.PktsIn.Add(1)
			l.counters.BytesIn.Add(uint64(n))
		}

		dg := &flow.Datagram{Data: data, SourceAddr: addr, ReceivedAt: time.Now()}
		l.enqueue(dg)
	}
}

// enqueue applies the drop-head overflow policy (spec §4.1/§4.5): when the
// queue is full, the oldest queued datagram is discarded to make room for
// the one just received, so the pipeline always carries the newest
// telemetry rather than stalling on a backlog.
func (l *UDPListener) enqueue(dg *flow.Datagram) {
	for {
		select {
		case l.datagrams <- dg:
			return
		default:
		}

		select {
		case <-l.datagrams:
			if l.counters != nil {
				l.counters.PktsDroppedQueue.Add(1)
			}
		default:
		}
	}
}

// Datagrams returns the channel new datagrams are delivered on.
func (l *UDPListener) Datagrams() <-chan *flow.Datagram {
	return l.datagrams
}

// Stop closes the socket and waits for the read loop to exit.
func (l *UDPListener) Stop() {
	close(l.stopChan)
	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()
}

// Port returns the bound listen port.
func (l *UDPListener) Port() int {
	return l.port
}
