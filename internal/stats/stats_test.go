package stats

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowrelay/internal/as"
	"flowrelay/internal/errlog"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

func startTestServer(t *testing.T) (*Server, net.Conn) {
	t.Helper()
	counters := &flow.Counters{}
	cache := template.New(0, time.Hour, nil)
	enricher := as.New(as.Options{}, nil)
	errs := errlog.New()

	srv := New(0, counters, cache, enricher, errs, nil, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, conn
}

func sendCommand(t *testing.T, conn net.Conn, cmd string) []string {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	var lines []string
	for i := 0; i < 20; i++ {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			break
		}
	}
	return lines
}

func TestStatsCommandReturnsCounters(t *testing.T) {
	_, conn := startTestServer(t)
	lines := sendCommand(t, conn, "stats")

	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "pkts_in") {
			found = true
		}
	}
	require.True(t, found, "expected pkts_in line in %v", lines)
}

func TestUnknownCommandReturnsErr(t *testing.T) {
	_, conn := startTestServer(t)
	lines := sendCommand(t, conn, "bogus")
	require.Len(t, lines, 1)
	require.Equal(t, "ERR unknown command", lines[0])
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	_, conn := startTestServer(t)
	lines := sendCommand(t, conn, "STATS")

	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "pkts_in") {
			found = true
		}
	}
	require.True(t, found)
}

func TestQuitClosesConnection(t *testing.T) {
	_, conn := startTestServer(t)
	_, err := conn.Write([]byte("quit\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func TestStatsResponseEndsWithBlankLine(t *testing.T) {
	_, conn := startTestServer(t)
	_, err := conn.Write([]byte("stats\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	total := 0
	for {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	require.GreaterOrEqual(t, total, 2)
	require.Equal(t, "\n\n", string(buf[total-2:total]), "expected response to end with a blank line, got %q", string(buf[:total]))
}

func TestHelpListsCommands(t *testing.T) {
	_, conn := startTestServer(t)
	lines := sendCommand(t, conn, "help")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "stats")
	require.Contains(t, lines[0], "quit")
}
