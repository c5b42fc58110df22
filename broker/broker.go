// Package broker is the message broker core: queue/topic lifecycle, ordered and priority
// delivery, acknowledgement/retry/DLQ, consistent-hash routing with
// leader/follower replication, transactions, compression/encryption,
// batching, and metrics. It consumes (but does not define) a persistence
// collaborator (see the sibling persistence package) and a structured
// logger (see the sibling logging package).
package broker

import (
	"sync"
	"time"

	"github.com/ridgemq/ridgemq/logging"
	"github.com/ridgemq/ridgemq/persistence"
)

// Event is emitted to the broker's event handler for lifecycle occurrences
// a caller may want to observe without polling (queue created/deleted,
// message sent/delivered/dead-lettered, replication, ...).
type Event struct {
	Type    string
	Queue   string
	Message *Message
	Time    time.Time
	Detail  string
}

// EventHandler, ErrorHandler and AlertHandler are the pluggable
// notification hooks a host application can install at construction time.
type (
	EventHandler        func(Event)
	ErrorHandler        func(error)
	AlertHandler        func(Alert)
	LeaderChangeHandler func(shardID int, oldNode, newNode string)
	FailoverHandler     func(shardID int, node string)
)

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithPersistence installs the persistence collaborator. If
// not supplied, NewBroker installs an in-memory no-op.
func WithPersistence(p persistence.Persistence) Option {
	return func(b *Broker) { b.persist = p }
}

// WithLogger installs a structured logger. If
// not supplied, NewBroker installs a disabled logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithEventHandler installs the event handler.
func WithEventHandler(h EventHandler) Option { return func(b *Broker) { b.eventHandler = h } }

// WithErrorHandler installs the error handler.
func WithErrorHandler(h ErrorHandler) Option { return func(b *Broker) { b.errorHandler = h } }

// WithAlertHandler installs the alert handler.
func WithAlertHandler(h AlertHandler) Option { return func(b *Broker) { b.alertHandler = h } }

// WithLeaderChangeHandler installs the leader-change handler.
func WithLeaderChangeHandler(h LeaderChangeHandler) Option {
	return func(b *Broker) { b.leaderChangeHandler = h }
}

// WithFailoverHandler installs the failover handler.
func WithFailoverHandler(h FailoverHandler) Option {
	return func(b *Broker) { b.failoverHandler = h }
}

// WithSaveOnShutdown makes Shutdown flush queue configs/stats to the
// persistence collaborator before stopping.
func WithSaveOnShutdown() Option {
	return func(b *Broker) { b.saveOnShutdown = true }
}

// WithShards pre-builds a cluster with the given shard count and per-node
// vnode count.
func WithShards(shardCount, vnodesPerNode int) Option {
	return func(b *Broker) { b.cluster = newCluster(shardCount, vnodesPerNode) }
}

// Broker is the message broker core. Construct with NewBroker; call
// Shutdown to stop background goroutines and release resources.
type Broker struct {
	ids idGenerator

	mu     sync.RWMutex
	queues map[string]*Queue
	topics map[string]*Topic

	cluster *Cluster

	persist        persistence.Persistence
	saveOnShutdown bool
	logger         *logging.Logger

	handlersMu          sync.Mutex
	eventHandler        EventHandler
	errorHandler        ErrorHandler
	alertHandler        AlertHandler
	leaderChangeHandler LeaderChangeHandler
	failoverHandler     FailoverHandler

	configMu               sync.RWMutex
	metricsInterval        time.Duration
	metricsWindow          int // seconds
	metricsLatencyCapacity int
	minAcks                int
	heartbeatFlapProb      float64
	defaultCompression     CompressionAlgorithm

	alertMu      sync.Mutex
	alertConfigs map[string]AlertConfig
	activeAlerts map[string][]ActiveAlert
	alertLimiter *alertThrottle

	txMu         sync.Mutex
	txIDs        idGenerator
	transactions map[int64]*Transaction
	txStats      TransactionStats

	batchMu          sync.Mutex
	batches          map[string]*Batch
	finalizedBatches map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	prom *prometheusMetrics

	schedInitMu sync.Mutex
	sched       *scheduler

	fastSendInitMu sync.Mutex
	fastSend       *sendBatcher
}

// NewBroker constructs a Broker ready for CreateQueue/SendMessage/etc, and
// starts its background goroutines (scheduler, DLQ monitor, metrics
// monitor, heartbeat, transaction-timeout sweeper, alert monitor, batch-expiry
// sweeper).
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:                 make(map[string]*Queue),
		topics:                 make(map[string]*Topic),
		alertConfigs:           make(map[string]AlertConfig),
		activeAlerts:           make(map[string][]ActiveAlert),
		transactions:           make(map[int64]*Transaction),
		batches:                make(map[string]*Batch),
		finalizedBatches:       make(map[string]bool),
		stopCh:                 make(chan struct{}),
		metricsInterval:        time.Second,
		metricsWindow:          defaultWindowSeconds,
		metricsLatencyCapacity: defaultLatencyCapacity,
		minAcks:                1,
		heartbeatFlapProb:      0.01,
		defaultCompression:     CompressionGzip,
		alertLimiter:           newAlertThrottle(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.persist == nil {
		b.persist = persistence.NewNop()
	}
	if b.logger == nil {
		b.logger = logging.Nop()
	}
	if b.cluster == nil {
		b.cluster = newCluster(1, 128)
	}
	b.prom = newPrometheusMetrics()

	b.startBackgroundLoops()
	return b
}

// emitEvent forwards to the event handler, if any, never holding other
// locks while doing so.
func (b *Broker) emitEvent(ev Event) {
	b.handlersMu.Lock()
	h := b.eventHandler
	b.handlersMu.Unlock()
	if h != nil {
		ev.Time = time.Now()
		h(ev)
	}
}

func (b *Broker) emitError(err error) {
	b.handlersMu.Lock()
	h := b.errorHandler
	b.handlersMu.Unlock()
	if h != nil {
		h(err)
	}
}

// SetGlobalConfig applies a broker-wide configuration key.
func (b *Broker) SetGlobalConfig(key, value string) error {
	switch key {
	case "metrics.interval.ms":
		ms, err := parsePositiveInt(value, 100)
		if err != nil {
			return err
		}
		b.configMu.Lock()
		b.metricsInterval = time.Duration(ms) * time.Millisecond
		b.configMu.Unlock()
	case "metrics.window.ms":
		ms, err := parsePositiveInt(value, 1000)
		if err != nil {
			return err
		}
		b.configMu.Lock()
		b.metricsWindow = ms / 1000
		if b.metricsWindow <= 0 {
			b.metricsWindow = 1
		}
		b.configMu.Unlock()
	case "metrics.latency.capacity":
		n, err := parsePositiveInt(value, 32)
		if err != nil {
			return err
		}
		b.configMu.Lock()
		b.metricsLatencyCapacity = n
		b.configMu.Unlock()
	case "cluster.shards":
		n, err := parsePositiveInt(value, 1)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.cluster.rebuild(n, b.cluster.vnodesPerNode())
		b.mu.Unlock()
	case "cluster.shard.vnodes":
		n, err := parsePositiveInt(value, 1)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.cluster.rebuild(b.cluster.shardCount(), n)
		b.mu.Unlock()
	case "cluster.heartbeat.flap.prob":
		f, err := parseClampedFloat(value, 0, 1)
		if err != nil {
			return err
		}
		b.configMu.Lock()
		b.heartbeatFlapProb = f
		b.configMu.Unlock()
	case "replication.min.acks":
		n, err := parsePositiveIntAllowZero(value)
		if err != nil {
			return err
		}
		b.configMu.Lock()
		b.minAcks = n
		b.configMu.Unlock()
	case "compression.algorithm.default":
		b.configMu.Lock()
		b.defaultCompression = parseCompressionAlgorithm(value)
		b.configMu.Unlock()
	default:
		return New(InvalidArgument, nil)
	}
	return nil
}

// Shutdown cancels every background goroutine, joins them, saves every
// queue to persistence if WithSaveOnShutdown was given, and shuts the
// persistence collaborator down.
func (b *Broker) Shutdown() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}
	b.wg.Wait()
	b.fastSendInitMu.Lock()
	if b.fastSend != nil {
		_ = b.fastSend.b.Close()
	}
	b.fastSendInitMu.Unlock()
	b.mu.Lock()
	for _, q := range b.queues {
		q.mu.Lock()
		q.notifyAllLocked()
		q.mu.Unlock()
	}
	b.mu.Unlock()
	if b.saveOnShutdown {
		if err := b.SaveToDisk(); err != nil {
			b.emitError(err)
		}
	}
	b.persist.Shutdown()
}

func (b *Broker) startBackgroundLoops() {
	loops := []func(){
		b.schedulerLoop,
		b.dlqMonitorLoop,
		b.metricsLoop,
		b.heartbeatLoop,
		b.transactionSweepLoop,
		b.alertMonitorLoop,
		b.batchSweepLoop,
	}
	for _, fn := range loops {
		b.wg.Add(1)
		go func(fn func()) {
			defer b.wg.Done()
			fn()
		}(fn)
	}
}
