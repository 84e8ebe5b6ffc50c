// Package parallel distributes the events of a dataset across the ranks of
// a communicator: ranks owning event shards load descriptors into local
// queues, every rank consumes through a cooperative work-stealing protocol,
// and a user callback sees each event exactly once somewhere in the group.
package parallel

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openhep/hepstore/comm"
	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/store"
)

// Wire tags of the work-stealing protocol.
const (
	tagRequest = 1111 // zero-byte "send me one" from consumer to loader
	tagEvent   = 1112 // 40-byte descriptor, or zero bytes for "no more work"
)

// defaultQueueCap bounds each loader's descriptor FIFO.
const defaultQueueCap = 1024

// Options tunes a Processor.
type Options struct {
	// CacheSize and BatchSize configure the loader's prefetcher;
	// non-positive values select the client defaults.
	CacheSize int
	BatchSize int

	// QueueCap bounds the loader FIFO; the loader blocks when it is
	// full. Non-positive selects defaultQueueCap.
	QueueCap int
}

// EventProcessingFn is the user callback. The product cache holds the
// products registered with Preload for the event being delivered.
type EventProcessingFn func(ev store.Event, cache *store.ProductCache) error

// Processor drives a callback over all events of a dataset across the
// ranks of a communicator. Construction and Close are collective.
type Processor struct {
	ds   *store.DataStore
	comm comm.Comm
	opts Options

	loaderRanks []int // rotated to start at the first rank >= self
	rotation    []int // working copy consumed during one Process call
	targets     []int // event shards this rank loads from

	preload []keys.ProductKey
	cache   *store.ProductCache

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []keys.ItemDescriptor
	loaderRunning bool

	log *zap.SugaredLogger
}

// New assigns loader roles across the communicator and synchronizes the
// group with a barrier.
//
// With T event shards and P ranks: if T >= P every rank loads, rank r
// owning shards r, r+P, r+2P, ...; otherwise only T ranks load, spread
// evenly over the group, each owning one shard.
func New(ds *store.DataStore, c comm.Comm, opts Options) (*Processor, error) {
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	p := &Processor{
		ds:    ds,
		comm:  c,
		opts:  opts,
		cache: store.NewOneShotProductCache(),
		log:   zap.NewNop().Sugar(),
	}
	p.cond = sync.NewCond(&p.mu)

	numTargets := ds.NumEventTargets()
	size := c.Size()
	rank := c.Rank()

	var loaderRanks, targets []int
	if numTargets >= size {
		for r := 0; r < size; r++ {
			loaderRanks = append(loaderRanks, r)
		}
		for t := 0; t < numTargets; t++ {
			if t%size == rank {
				targets = append(targets, t)
			}
		}
	} else {
		stride := size / numTargets
		r := 0
		full := false
		for t := 0; t < numTargets; t++ {
			if !full {
				loaderRanks = append(loaderRanks, r)
			}
			if r == rank {
				targets = append(targets, t)
			}
			r += stride
			if r >= size {
				full = true
				r = 0
			}
		}
	}
	// Rotate so that each rank drains its own queue first.
	i := 0
	for i < len(loaderRanks) && loaderRanks[i] < rank {
		i++
	}
	p.loaderRanks = append(loaderRanks[i:], loaderRanks[:i]...)
	p.targets = targets

	if err := c.Barrier(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetLogger installs a logger; nil restores the nop logger.
func (p *Processor) SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	p.log = l
}

// Preload registers a product to make available in the cache handed to the
// callback. Must be called before Process.
func (p *Processor) Preload(label, typeName string) {
	p.preload = append(p.preload, keys.ProductKey{Label: label, Type: typeName})
}

// Close synchronizes the group; the processor is unusable afterwards.
func (p *Processor) Close() error {
	return p.comm.Barrier()
}

// Process runs the callback over every event of the dataset, collectively
// across the communicator. All ranks must pass the same dataset; the group
// verifies this with an allreduce of the dataset UUID and fails hard on
// mismatch. Statistics are optional.
func (p *Processor) Process(dataset store.DataSet, fn EventProcessingFn, stats *Statistics) error {
	if err := p.verifySameDataset(dataset); err != nil {
		return err
	}
	if stats != nil {
		*stats = Statistics{}
	}
	start := time.Now()

	p.rotation = append([]int(nil), p.loaderRanks...)

	var wg sync.WaitGroup
	if len(p.targets) > 0 {
		p.mu.Lock()
		p.loaderRunning = true
		p.mu.Unlock()
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.loadEvents(dataset, stats)
		}()
		go func() {
			defer wg.Done()
			p.respond()
		}()
	}

	err := p.consume(fn, stats)
	wg.Wait()
	if stats != nil {
		stats.TotalTime = time.Since(start)
	}
	return err
}

// verifySameDataset AND-reduces the UUID bytes and then a per-rank match
// flag, so every rank learns about a mismatch anywhere in the group.
func (p *Processor) verifySameDataset(dataset store.DataSet) error {
	uuid := dataset.UUID()
	combined, err := p.comm.AllreduceBand(uuid[:])
	if err != nil {
		return err
	}
	flag := []byte{1}
	if !bytes.Equal(combined, uuid[:]) {
		flag[0] = 0
	}
	combinedFlag, err := p.comm.AllreduceBand(flag)
	if err != nil {
		return err
	}
	if combinedFlag[0] == 0 {
		return errors.New("parallel: Process called on different datasets by distinct ranks")
	}
	return nil
}

// loadEvents walks this rank's shards through a prefetcher and feeds the
// bounded FIFO.
func (p *Processor) loadEvents(dataset store.DataSet, stats *Statistics) {
	pf := store.NewPrefetcher(p.ds, p.opts.CacheSize, p.opts.BatchSize)
	for _, target := range p.targets {
		evset, err := dataset.EventsOn(target)
		if err != nil {
			p.log.Errorw("Skipping bad event target", "target", target, "err", err)
			continue
		}
		cursor := evset.Begin().UsePrefetcher(pf)
		for {
			t0 := time.Now()
			ok := cursor.Next()
			if stats != nil {
				p.mu.Lock()
				stats.TotalLoadingTime += time.Since(t0)
				p.mu.Unlock()
			}
			if !ok {
				break
			}
			p.push(cursor.Descriptor())
		}
		if err := cursor.Err(); err != nil {
			p.log.Errorw("Event loading failed", "target", target, "err", err)
		}
		cursor.Close()
	}
	p.mu.Lock()
	p.loaderRunning = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// push blocks while the FIFO is full, then appends and wakes consumers.
func (p *Processor) push(desc keys.ItemDescriptor) {
	p.mu.Lock()
	for len(p.queue) >= p.opts.QueueCap {
		p.cond.Wait()
	}
	p.queue = append(p.queue, desc)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popLocal removes the queue head, waiting while the queue is empty but
// the loader still runs. ok=false means drained for good.
func (p *Processor) popLocal() (keys.ItemDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.loaderRunning {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return keys.ItemDescriptor{}, false
	}
	desc := p.queue[0]
	p.queue = p.queue[1:]
	p.cond.Broadcast() // free space for the loader
	return desc, true
}

// respond answers remote pull requests until every remote consumer has
// been handed the "no more work" sentinel.
func (p *Processor) respond() {
	remaining := p.comm.Size() - 1
	for remaining > 0 {
		_, src, err := p.comm.Recv(comm.AnySource, tagRequest)
		if err != nil {
			p.log.Errorw("Responder receive failed", "err", err)
			return
		}
		desc, ok := p.popLocal()
		if ok {
			if err := p.comm.Send(src, tagEvent, desc.Encode()); err != nil {
				p.log.Errorw("Responder send failed", "dest", src, "err", err)
				return
			}
			continue
		}
		if err := p.comm.Send(src, tagEvent, nil); err != nil {
			p.log.Errorw("Responder sentinel send failed", "dest", src, "err", err)
			return
		}
		remaining--
	}
}

// nextEvent pulls one descriptor: from the local queue when the head of
// the rotation is this rank, over the wire otherwise. Exhausted loaders
// drop out of the rotation; ok=false terminates consumption.
func (p *Processor) nextEvent(stats *Statistics) (keys.ItemDescriptor, bool, error) {
	rank := p.comm.Rank()
	for len(p.rotation) > 0 {
		loader := p.rotation[0]
		if loader == rank {
			desc, ok := p.popLocal()
			if ok {
				if stats != nil {
					stats.LocalEventsProcessed++
				}
				return desc, true, nil
			}
			p.rotation = p.rotation[1:]
			continue
		}
		if err := p.comm.Send(loader, tagRequest, nil); err != nil {
			return keys.ItemDescriptor{}, false, err
		}
		data, _, err := p.comm.Recv(loader, tagEvent)
		if err != nil {
			return keys.ItemDescriptor{}, false, err
		}
		if len(data) == keys.DescriptorSize {
			desc, err := keys.DecodeItemDescriptor(data)
			if err != nil {
				return keys.ItemDescriptor{}, false, err
			}
			return desc, true, nil
		}
		// Zero-byte sentinel: that loader is out of work.
		p.rotation = p.rotation[1:]
	}
	return keys.ItemDescriptor{}, false, nil
}

// consume drives the callback until every loader in the rotation reported
// end of work. A callback error stops further invocations but the protocol
// is drained to completion so the rest of the group terminates cleanly.
func (p *Processor) consume(fn EventProcessingFn, stats *Statistics) error {
	var firstErr error
	lastReturn := time.Now()
	for {
		desc, ok, err := p.nextEvent(stats)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if !ok {
			break
		}
		if firstErr != nil {
			continue // draining
		}
		ev, err := p.ds.EventFromDescriptor(desc)
		if err != nil {
			firstErr = err
			continue
		}
		p.stageProducts(desc)
		waited := time.Since(lastReturn)
		t0 := time.Now()
		if err := fn(ev, p.cache); err != nil {
			firstErr = fmt.Errorf("parallel: callback: %w", err)
		}
		dt := time.Since(t0)
		lastReturn = time.Now()
		if stats != nil {
			stats.TotalEventsProcessed++
			stats.TotalProcessingTime += dt
			stats.ProcessingTimeStats.Update(dt.Seconds())
			stats.WaitingTimeStats.Update(waited.Seconds())
		}
	}
	return firstErr
}

// stageProducts makes every registered product of the event available in
// the cache before the callback runs. Absent products are remembered so a
// cache lookup can answer "not found" without a warning.
func (p *Processor) stageProducts(desc keys.ItemDescriptor) {
	for _, pk := range p.preload {
		if err := p.cache.Stage(p.ds, desc, pk); err != nil {
			p.log.Warnw("Product staging failed",
				"item", desc.String(), "product", pk.String(), "err", err)
		}
	}
}
