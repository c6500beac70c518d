// Package forward implements the forwarding stage (spec §4.5): it holds
// one outbound UDP socket per destination address family, drains a
// bounded egress queue, and fans each datagram out to every configured
// collector, counting per-collector send failures without retrying.
//
// The unconnected-socket-plus-WriteToUDP idiom is grounded on the netflow
// exporter in
// other_examples/675aa740_pavelkim-tzsp_server__internal-netflow-exporter.go.go
// (the only file in the pack that dials/sends to a UDP collector), adapted
// from that file's one-socket-per-destination shape to one-socket-per-family
// so that N collectors sharing an address family fan out over a single
// local port instead of opening N outbound sockets.
package forward

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"flowrelay/internal/config"
	"flowrelay/internal/errlog"
	"flowrelay/pkg/flow"
)

// destination is one resolved collector address paired with the shared
// per-family socket it is reached through.
type destination struct {
	addr *net.UDPAddr
	conn *net.UDPConn
}

// Forwarder fans decoded-and-forwarded datagrams out to every configured
// collector, reusing one unconnected UDP socket per address family.
type Forwarder struct {
	destinations []destination
	socket4      *net.UDPConn
	socket6      *net.UDPConn
	queue        chan *flow.Datagram
	stop         chan struct{}
	wg           sync.WaitGroup

	counters *flow.Counters
	logger   *zap.Logger
	errs     *errlog.Ring
}

// SetErrorLog attaches the ring buffer the `errors` stats command reads from.
func (f *Forwarder) SetErrorLog(r *errlog.Ring) { f.errs = r }

// New resolves every collector in collectors (order preserved, spec §4.5
// "every configured collector in forwarding.collectors order"), opening one
// unconnected UDP socket per address family encountered and routing each
// resolved destination through the socket matching its family. Returns a
// Forwarder with an egress queue of the given capacity.
func New(collectors []config.Collector, queueSize int, counters *flow.Counters, logger *zap.Logger) (*Forwarder, error) {
	f := &Forwarder{
		queue:    make(chan *flow.Datagram, queueSize),
		stop:     make(chan struct{}),
		counters: counters,
		logger:   logger,
	}
	for _, c := range collectors {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.Host, c.Port))
		if err != nil {
			return nil, fmt.Errorf("resolve collector %s:%d: %w", c.Host, c.Port, err)
		}
		conn, err := f.socketFor(addr)
		if err != nil {
			return nil, err
		}
		f.destinations = append(f.destinations, destination{addr: addr, conn: conn})
	}
	return f, nil
}

// socketFor returns the shared socket for addr's address family, opening it
// on first use.
func (f *Forwarder) socketFor(addr *net.UDPAddr) (*net.UDPConn, error) {
	if addr.IP.To4() != nil {
		if f.socket4 == nil {
			conn, err := net.ListenUDP("udp4", nil)
			if err != nil {
				return nil, fmt.Errorf("open IPv4 egress socket: %w", err)
			}
			f.socket4 = conn
		}
		return f.socket4, nil
	}
	if f.socket6 == nil {
		conn, err := net.ListenUDP("udp6", nil)
		if err != nil {
			return nil, fmt.Errorf("open IPv6 egress socket: %w", err)
		}
		f.socket6 = conn
	}
	return f.socket6, nil
}

// Enqueue submits a datagram for forwarding. Overflow uses the same
// drop-head policy as ingress (spec §4.5): the oldest queued datagram is
// discarded to make room, keeping the freshest telemetry moving.
func (f *Forwarder) Enqueue(dg *flow.Datagram) {
	for {
		select {
		case f.queue <- dg:
			return
		default:
		}
		select {
		case <-f.queue:
			if f.counters != nil {
				f.counters.PktsDroppedQueue.Add(1)
			}
		default:
		}
	}
}

// Start runs the send loop in a background goroutine.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.sendLoop()
}

func (f *Forwarder) sendLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			f.drain()
			return
		case dg := <-f.queue:
			f.send(dg)
		}
	}
}

// drain flushes whatever is left in the queue once shutdown begins and
// returns as soon as the queue is empty; Stop waits for it without a
// deadline of its own.
func (f *Forwarder) drain() {
	for {
		select {
		case dg := <-f.queue:
			f.send(dg)
		default:
			return
		}
	}
}

func (f *Forwarder) send(dg *flow.Datagram) {
	if len(f.destinations) == 0 {
		return
	}
	sent := false
	for _, d := range f.destinations {
		if _, err := d.conn.WriteToUDP(dg.Data, d.addr); err != nil {
			if f.counters != nil {
				f.counters.PktsDroppedForward.Add(1)
			}
			if f.errs != nil {
				f.errs.Record("forward", fmt.Sprintf("send to %s: %v", d.addr, err))
			}
			if f.logger != nil {
				f.logger.Debug("forward failed", zap.String("collector", d.addr.String()), zap.Error(err))
			}
			continue
		}
		sent = true
	}
	if sent && f.counters != nil {
		f.counters.PktsOut.Add(1)
		f.counters.BytesOut.Add(uint64(len(dg.Data)))
	}
}

// Stop signals the send loop to drain and exit, then closes every open
// family socket.
func (f *Forwarder) Stop() {
	close(f.stop)
	f.wg.Wait()
	if f.socket4 != nil {
		f.socket4.Close()
	}
	if f.socket6 != nil {
		f.socket6.Close()
	}
}
