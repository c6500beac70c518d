// Package pipeline wires the ingress, decode/enrich workers, forwarder,
// and template-cache janitor into the single data path spec §5
// describes: Ingress -> (bounded queue) -> Worker(Decoder+Enricher) ->
// (bounded queue) -> Forwarder -> UDP egress, with shard-affined workers
// preserving per-exporter ordering.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowrelay/internal/as"
	"flowrelay/internal/decode"
	"flowrelay/internal/forward"
	"flowrelay/internal/listener"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

const janitorInterval = 60 * time.Second

// ShutdownDeadline bounds how long Stop waits for in-flight work to
// drain before abandoning it (spec §5 "hard deadline 5s").
const ShutdownDeadline = 5 * time.Second

// Pipeline owns every worker goroutine between ingress and the forwarder.
type Pipeline struct {
	ingress   *listener.UDPListener
	forwarder *forward.Forwarder
	decoder   *decode.Decoder
	enricher  *as.Enricher
	cache     *template.Cache
	counters  *flow.Counters
	logger    *zap.Logger

	numWorkers int
	shardQueue []chan *flow.Datagram
	queueSize  int

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a Pipeline. Start has not been called yet; callers wire the
// ingress/forwarder into it after constructing both.
func New(ingress *listener.UDPListener, forwarder *forward.Forwarder, decoder *decode.Decoder, enricher *as.Enricher, cache *template.Cache, counters *flow.Counters, logger *zap.Logger, numWorkers, queueSize int) *Pipeline {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	p := &Pipeline{
		ingress:    ingress,
		forwarder:  forwarder,
		decoder:    decoder,
		enricher:   enricher,
		cache:      cache,
		counters:   counters,
		logger:     logger,
		numWorkers: numWorkers,
		queueSize:  queueSize,
		shardQueue: make([]chan *flow.Datagram, numWorkers),
		stop:       make(chan struct{}),
	}
	for i := range p.shardQueue {
		p.shardQueue[i] = make(chan *flow.Datagram, queueSize)
	}
	return p
}

// Start launches the dispatcher, every worker, and the janitor goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.dispatchLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}

	p.wg.Add(1)
	go p.janitorLoop()
}

// dispatchLoop reads from ingress and routes each datagram to its
// exporter's shard by hash(exporter_ip) mod workers, so a single worker
// always decodes one exporter's datagrams in receive order (spec §5).
func (p *Pipeline) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case dg, ok := <-p.ingress.Datagrams():
			if !ok {
				return
			}
			shard := shardFor(dg, p.numWorkers)
			p.enqueueShard(shard, dg)
		}
	}
}

// enqueueShard applies the same drop-head overflow policy as ingress and
// egress (spec §4.1/§4.5).
func (p *Pipeline) enqueueShard(shard int, dg *flow.Datagram) {
	q := p.shardQueue[shard]
	for {
		select {
		case q <- dg:
			return
		default:
		}
		select {
		case <-q:
			if p.counters != nil {
				p.counters.PktsDroppedQueue.Add(1)
			}
		default:
		}
	}
}

func shardFor(dg *flow.Datagram, numWorkers int) int {
	h := fnv.New32a()
	if dg.SourceAddr != nil {
		h.Write(dg.SourceAddr.IP)
	}
	return int(h.Sum32()) % numWorkers
}

func (p *Pipeline) workerLoop(shard int) {
	defer p.wg.Done()
	q := p.shardQueue[shard]
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			p.drainShard(ctx, q)
			return
		case dg := <-q:
			p.process(ctx, dg)
		}
	}
}

func (p *Pipeline) drainShard(ctx context.Context, q chan *flow.Datagram) {
	for {
		select {
		case dg := <-q:
			p.process(ctx, dg)
		default:
			return
		}
	}
}

// process decodes a datagram, enriches every record, and forwards the
// datagram regardless of decode outcome — forwarding is independent of
// decode success (spec §8 scenario S3).
func (p *Pipeline) process(ctx context.Context, dg *flow.Datagram) {
	records, _ := p.decoder.Decode(dg)
	for _, rec := range records {
		p.enricher.Enrich(ctx, rec)
	}
	p.forwarder.Enqueue(dg)
}

func (p *Pipeline) janitorLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cache.Sweep(time.Now())
		}
	}
}

// Stop signals every goroutine to drain and exit, bounded by
// ShutdownDeadline; anything still queued past the deadline is abandoned
// (spec §5).
func (p *Pipeline) Stop() {
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownDeadline):
		if p.logger != nil {
			p.logger.Warn("shutdown deadline exceeded, abandoning in-flight work")
		}
	}
}
