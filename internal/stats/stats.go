// Package stats implements the line-oriented TCP diagnostic interface
// from spec §4.6: a loopback-only listener speaking a small
// command/response text protocol, stateless per connection, closing
// connections idle for more than 60s.
//
// The Start/Stop-goroutine/graceful-shutdown shape is grounded on the
// teacher's internal/api.Server (an HTTP server there; here a raw TCP
// listener, since the protocol is intentionally not HTTP).
package stats

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"flowrelay/internal/as"
	"flowrelay/internal/config"
	"flowrelay/internal/errlog"
	"flowrelay/internal/lookup"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

const (
	maxLineLength = 256
	idleTimeout   = 60 * time.Second
)

// Server is the stats_port TCP listener.
type Server struct {
	listener *net.TCPListener
	port     int

	counters  *flow.Counters
	cache     *template.Cache
	enricher  *as.Enricher
	errs      *errlog.Ring
	cfg       *config.Config
	logger    *zap.Logger
	startedAt time.Time

	rdns lookup.RDnsLookup

	rate *rateTracker

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a stats server bound to loopback on port.
func New(port int, counters *flow.Counters, cache *template.Cache, enricher *as.Enricher, errs *errlog.Ring, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		port:      port,
		counters:  counters,
		cache:     cache,
		enricher:  enricher,
		errs:      errs,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		rate:      newRateTracker(10 * time.Second),
		stop:      make(chan struct{}),
	}
}

// SetReverseDNS wires in an optional hostname resolver so `templates`
// output can annotate each exporter with its reverse-DNS name when
// enrichment.reverse_dns is enabled; nil leaves exporter_ip bare.
func (s *Server) SetReverseDNS(r lookup.RDnsLookup) {
	s.rdns = r
}

// Start binds the loopback socket and begins accepting connections.
func (s *Server) Start() error {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp 127.0.0.1:%d: %w", s.port, err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *net.TCPConn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineLength), maxLineLength)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if !scanner.Scan() {
			if scanner.Err() != nil {
				conn.Write([]byte("ERR line too long\n"))
			}
			return
		}
		cmd := strings.ToLower(strings.TrimSpace(scanner.Text()))

		if cmd == "quit" {
			return
		}

		resp := s.dispatch(cmd)
		if cmd == "" {
			continue
		}
		// A multi-line render (stats/as_stats/templates/errors/config) ends
		// with a blank line so the client knows the response is complete
		// without needing to know its line count up front (spec scenario
		// S6), even when it has zero or one rows; single-line responses
		// like help/ERR need no terminator.
		if cmd != "help" && !strings.HasPrefix(resp, "ERR ") {
			resp += "\n"
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd string) string {
	switch cmd {
	case "stats":
		return s.renderStats()
	case "as_stats":
		return s.renderASStats()
	case "templates":
		return s.renderTemplates()
	case "errors":
		return s.renderErrors()
	case "config":
		return s.renderConfig()
	case "help":
		return "stats as_stats templates errors config help quit\n"
	case "":
		return ""
	default:
		return "ERR unknown command\n"
	}
}

// statsPrinter renders large counters with thousands separators for the
// human-readable bytes_in_fmt/bytes_out_fmt lines; the plain numeric
// lines above stay locale-free so scripts can parse them without
// depending on message.Printer's output.
var statsPrinter = message.NewPrinter(language.English)

func (s *Server) renderStats() string {
	snap := s.counters.Snapshot()
	uptime := time.Since(s.startedAt).Seconds()
	rate := s.rate.sample(snap.PktsIn)

	var b strings.Builder
	fmt.Fprintf(&b, "uptime_s %.0f\n", uptime)
	fmt.Fprintf(&b, "pkts_in %d\n", snap.PktsIn)
	fmt.Fprintf(&b, "bytes_in %d\n", snap.BytesIn)
	fmt.Fprintf(&b, "pkts_out %d\n", snap.PktsOut)
	fmt.Fprintf(&b, "bytes_out %d\n", snap.BytesOut)
	fmt.Fprintf(&b, "pkts_dropped_queue %d\n", snap.PktsDroppedQueue)
	fmt.Fprintf(&b, "pkts_dropped_decode %d\n", snap.PktsDroppedDecode)
	fmt.Fprintf(&b, "pkts_dropped_orphan_template %d\n", snap.PktsDroppedOrphanTemplate)
	fmt.Fprintf(&b, "pkts_dropped_forward %d\n", snap.PktsDroppedForward)
	fmt.Fprintf(&b, "records_decoded %d\n", snap.RecordsDecoded)
	fmt.Fprintf(&b, "records_with_as %d\n", snap.RecordsWithAS)
	fmt.Fprintf(&b, "rate_pkts_per_s %.1f\n", rate)
	statsPrinter.Fprintf(&b, "bytes_in_fmt %d\n", snap.BytesIn)
	statsPrinter.Fprintf(&b, "bytes_out_fmt %d\n", snap.BytesOut)
	return b.String()
}

func (s *Server) renderASStats() string {
	if s.enricher == nil {
		return ""
	}
	var b strings.Builder
	for _, dir := range []as.Direction{as.DirectionSrc, as.DirectionDst} {
		for _, e := range s.enricher.Sketch().TopK(dir) {
			fmt.Fprintf(&b, "%s AS%d %d\n", dir, e.ASNumber, e.Count)
		}
	}
	return b.String()
}

func (s *Server) renderTemplates() string {
	infos := s.cache.Snapshot()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ExporterIP != infos[j].ExporterIP {
			return infos[i].ExporterIP < infos[j].ExporterIP
		}
		return infos[i].TemplateID < infos[j].TemplateID
	})
	var b strings.Builder
	for _, t := range infos {
		host := s.resolveHost(t.ExporterIP)
		fmt.Fprintf(&b, "%s%s %d %d fields=%d age_s=%.0f\n", t.ExporterIP, host, t.SourceID, t.TemplateID, t.FieldCount, t.AgeSeconds)
	}
	return b.String()
}

func (s *Server) resolveHost(ip string) string {
	if s.rdns == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookup.DefaultTimeout)
	defer cancel()
	if host, ok := s.rdns.Lookup(ctx, parsed); ok {
		return " (" + host + ")"
	}
	return ""
}

func (s *Server) renderErrors() string {
	if s.errs == nil {
		return ""
	}
	var b strings.Builder
	for _, e := range s.errs.Recent() {
		fmt.Fprintf(&b, "%s %s %s\n", e.At.Format(time.RFC3339), e.Kind, e.Message)
	}
	return b.String()
}

func (s *Server) renderConfig() string {
	if s.cfg == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "general.listen_port %d\n", s.cfg.General.ListenPort)
	fmt.Fprintf(&b, "general.output_port %d\n", s.cfg.General.OutputPort)
	fmt.Fprintf(&b, "general.stats_port %d\n", s.cfg.General.StatsPort)
	fmt.Fprintf(&b, "general.buffer_size %d\n", s.cfg.General.BufferSize)
	fmt.Fprintf(&b, "general.log_level %s\n", s.cfg.General.LogLevel)
	fmt.Fprintf(&b, "enrichment.as_extraction %t\n", s.cfg.Enrichment.ASExtraction)
	fmt.Fprintf(&b, "enrichment.enrich_in_place %t\n", s.cfg.Enrichment.EnrichInPlace)
	fmt.Fprintf(&b, "enrichment.geoip_enabled %t\n", s.cfg.Enrichment.GeoIPEnabled)
	fmt.Fprintf(&b, "enrichment.reverse_dns %t\n", s.cfg.Enrichment.ReverseDNS)
	fmt.Fprintf(&b, "performance.workers %d\n", s.cfg.Performance.Workers)
	fmt.Fprintf(&b, "performance.queue_size %d\n", s.cfg.Performance.QueueSize)
	for i, c := range s.cfg.ResolvedCollectors() {
		fmt.Fprintf(&b, "forwarding.collectors[%d] %s:%d\n", i, c.Host, c.Port)
	}
	return b.String()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	close(s.stop)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// Port returns the bound stats port.
func (s *Server) Port() int { return s.port }

// rateTracker computes a simple EWMA-ish rate over the configured window
// from successive pkts_in samples (spec §4.6 "current rate (EWMA over 10s)").
type rateTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastAt   time.Time
	lastVal  uint64
	lastRate float64
}

func newRateTracker(window time.Duration) *rateTracker {
	return &rateTracker{window: window, lastAt: time.Now()}
}

func (r *rateTracker) sample(current uint64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastAt).Seconds()
	if elapsed <= 0 {
		return r.lastRate
	}
	instant := float64(current-r.lastVal) / elapsed

	alpha := elapsed / r.window.Seconds()
	if alpha > 1 {
		alpha = 1
	}
	r.lastRate = r.lastRate + alpha*(instant-r.lastRate)
	r.lastVal = current
	r.lastAt = now
	return r.lastRate
}
