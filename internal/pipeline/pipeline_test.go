package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowrelay/internal/as"
	"flowrelay/internal/config"
	"flowrelay/internal/decode"
	"flowrelay/internal/forward"
	"flowrelay/internal/listener"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

func TestShardForIsStablePerExporter(t *testing.T) {
	dg := &flow.Datagram{SourceAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2.9")}}

	first := shardFor(dg, 8)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, shardFor(dg, 8))
	}
}

func TestShardForDistributesDistinctExporters(t *testing.T) {
	numWorkers := 4
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		dg := &flow.Datagram{SourceAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2." + string(rune('0'+i%10)))}}
		seen[shardFor(dg, numWorkers)] = true
	}
	require.Greater(t, len(seen), 1, "expected hashing to spread across more than one shard")
}

// newCollectorSocket opens a stand-in for a downstream collector: a bare UDP
// socket this test reads datagrams off directly, bypassing any relay logic.
func newCollectorSocket(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

// TestProcessForwardsRegardlessOfDecodeOutcome exercises spec-described
// scenario S3: a datagram that fails to decode (garbage bytes, unsupported
// version) is still forwarded to every configured collector unmodified.
func TestProcessForwardsRegardlessOfDecodeOutcome(t *testing.T) {
	collector, port := newCollectorSocket(t)

	counters := &flow.Counters{}
	cache := template.New(0, time.Hour, counters)
	decoder := decode.New(cache, counters, nil, nil)
	enricher := as.New(as.Options{}, nil)

	fwd, err := forward.New([]config.Collector{{Host: "127.0.0.1", Port: port}}, 16, counters, nil)
	require.NoError(t, err)
	fwd.Start()
	t.Cleanup(fwd.Stop)

	p := New(nil, fwd, decoder, enricher, cache, counters, nil, 2, 16)

	garbage := []byte{0xFF, 0xFF, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	dg := &flow.Datagram{
		Data:       garbage,
		SourceAddr: &net.UDPAddr{IP: net.ParseIP("203.0.113.5")},
		ReceivedAt: time.Now(),
	}

	p.process(context.Background(), dg)

	collector.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, _, err := collector.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, garbage, buf[:n])
}

// TestProcessEnqueuesAndDrainsShards runs the pipeline through Start/Stop:
// the test places a datagram on its exporter's shard queue directly, the
// worker started by Start decodes it, and the forwarder delivers it to the
// collector.
func TestProcessEnqueuesAndDrainsShards(t *testing.T) {
	collector, port := newCollectorSocket(t)

	counters := &flow.Counters{}
	cache := template.New(0, time.Hour, counters)
	decoder := decode.New(cache, counters, nil, nil)
	enricher := as.New(as.Options{}, nil)

	fwd, err := forward.New([]config.Collector{{Host: "127.0.0.1", Port: port}}, 16, counters, nil)
	require.NoError(t, err)
	fwd.Start()
	t.Cleanup(fwd.Stop)

	ingress := listener.New(0, 16, 65535, counters, nil)
	require.NoError(t, ingress.Start())
	t.Cleanup(ingress.Stop)

	p := New(ingress, fwd, decoder, enricher, cache, counters, nil, 2, 16)

	dg := &flow.Datagram{
		Data:       []byte{0x00, 0x09, 0x00, 0x00},
		SourceAddr: &net.UDPAddr{IP: net.ParseIP("203.0.113.9")},
		ReceivedAt: time.Now(),
	}
	shard := shardFor(dg, p.numWorkers)
	p.enqueueShard(shard, dg)

	p.Start()
	t.Cleanup(p.Stop)

	collector.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, _, err := collector.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, dg.Data, buf[:n])
}
