package broker

import (
	"time"
)

// TransactionStatus is a transaction's lifecycle state.
type TransactionStatus int

const (
	TxPending TransactionStatus = iota
	TxCommitted
	TxRolledBack
	TxTimedOut
	TxFailed
)

func (s TransactionStatus) String() string {
	switch s {
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled-back"
	case TxTimedOut:
		return "timed-out"
	case TxFailed:
		return "failed"
	default:
		return "pending"
	}
}

// OperationKind is the kind of a transaction operation.
type OperationKind int

const (
	OpSend OperationKind = iota
	OpAcknowledge
	OpReject
	OpCreateQueue
	OpDeleteQueue
)

// Operation is one recorded step of a transaction.
type Operation struct {
	Kind    OperationKind
	Queue   string
	Message *Message
	MsgID   int64
	Requeue bool
	Config  QueueConfig
}

// Transaction is a multi-operation unit of work.
type Transaction struct {
	ID            int64
	Description   string
	Status        TransactionStatus
	Timeout       time.Duration
	StartTime     time.Time
	EndTime       time.Time
	Operations    []Operation
	Distributed   bool
	CoordinatorID string
	FailedOpIndex int
	FailErr       error
}

// TransactionStats accumulates per-terminal-status counts and EMA
// durations.
type TransactionStats struct {
	Committed         int64
	RolledBack        int64
	TimedOut          int64
	Failed            int64
	AvgCommitMillis   float64
	AvgRollbackMillis float64
}

const emaAlpha = 0.2

// BeginTransaction creates a pending transaction.
func (b *Broker) BeginTransaction(description string, timeout time.Duration) int64 {
	id := b.txIDs.next()
	tx := &Transaction{
		ID:          id,
		Description: description,
		Status:      TxPending,
		Timeout:     timeout,
		StartTime:   time.Now(),
	}
	b.txMu.Lock()
	b.transactions[id] = tx
	b.txMu.Unlock()
	return id
}

// BeginDistributedTransaction creates a pending transaction marked
// distributed, under a coordinator id.
func (b *Broker) BeginDistributedTransaction(coordinatorID, description string, timeout time.Duration) int64 {
	id := b.txIDs.next()
	tx := &Transaction{
		ID:            id,
		Description:   description,
		Status:        TxPending,
		Timeout:       timeout,
		StartTime:     time.Now(),
		Distributed:   true,
		CoordinatorID: coordinatorID,
	}
	b.txMu.Lock()
	b.transactions[id] = tx
	b.txMu.Unlock()
	return id
}

func (b *Broker) getTx(id int64) (*Transaction, error) {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	tx, ok := b.transactions[id]
	if !ok {
		return nil, New(TransactionNotFound, nil)
	}
	return tx, nil
}

// AddTransactionOperation appends op while the transaction is pending.
func (b *Broker) AddTransactionOperation(id int64, op Operation) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	tx, ok := b.transactions[id]
	if !ok {
		return New(TransactionNotFound, nil)
	}
	if tx.Status != TxPending {
		return New(InvalidState, nil)
	}
	tx.Operations = append(tx.Operations, op)
	return nil
}

// PrepareTransaction validates each operation's pre-conditions, for
// distributed two-phase hook points. Only the queue-exists /
// message-exists pre-conditions are checked here; actual side effects
// happen on Commit.
func (b *Broker) PrepareTransaction(id int64) error {
	tx, err := b.getTx(id)
	if err != nil {
		return err
	}
	for _, op := range tx.Operations {
		switch op.Kind {
		case OpSend, OpAcknowledge, OpReject, OpDeleteQueue:
			if _, err := b.getQueue(op.Queue); err != nil {
				return err
			}
		case OpCreateQueue:
			// no pre-condition: creation itself checks for conflicts
		}
	}
	return nil
}

// applyOperation executes one operation's side effect.
func (b *Broker) applyOperation(op Operation) error {
	switch op.Kind {
	case OpSend:
		return b.SendMessage(op.Queue, op.Message)
	case OpAcknowledge:
		return b.Acknowledge(op.Queue, op.MsgID)
	case OpReject:
		return b.Reject(op.Queue, op.MsgID, op.Requeue)
	case OpCreateQueue:
		return b.CreateQueue(op.Config)
	case OpDeleteQueue:
		return b.DeleteQueue(op.Queue)
	default:
		return New(InvalidArgument, nil)
	}
}

// CommitTransaction executes operations in order; the first failing
// operation stops execution, the transaction moves to failed, and that
// operation's error is returned.
func (b *Broker) CommitTransaction(id int64) error {
	b.txMu.Lock()
	tx, ok := b.transactions[id]
	if !ok {
		b.txMu.Unlock()
		return New(TransactionNotFound, nil)
	}
	if tx.Status != TxPending {
		b.txMu.Unlock()
		return New(InvalidState, nil)
	}
	b.txMu.Unlock()

	if tx.Distributed {
		if err := b.PrepareTransaction(id); err != nil {
			b.finishTransaction(tx, TxFailed, err)
			return err
		}
	}

	var failErr error
	failedIdx := -1
	for i, op := range tx.Operations {
		if err := b.applyOperation(op); err != nil {
			failErr = err
			failedIdx = i
			break
		}
	}

	if failErr != nil {
		tx.FailedOpIndex = failedIdx
		b.finishTransaction(tx, TxFailed, failErr)
		return failErr
	}
	b.finishTransaction(tx, TxCommitted, nil)
	return nil
}

// RollbackTransaction moves the transaction to rolled-back. reason is
// surfaced via FailErr for callers inspecting the transaction afterwards.
func (b *Broker) RollbackTransaction(id int64, reason string) error {
	tx, err := b.getTx(id)
	if err != nil {
		return err
	}
	if tx.Status != TxPending {
		return New(InvalidState, nil)
	}
	var rerr error
	if reason != "" {
		rerr = Newf(OperationFailed, "%s", reason)
	}
	b.finishTransaction(tx, TxRolledBack, rerr)
	return nil
}

func (b *Broker) finishTransaction(tx *Transaction, status TransactionStatus, err error) {
	b.txMu.Lock()
	tx.Status = status
	tx.EndTime = time.Now()
	tx.FailErr = err
	elapsedMs := float64(tx.EndTime.Sub(tx.StartTime).Milliseconds())
	switch status {
	case TxCommitted:
		b.txStats.Committed++
		b.txStats.AvgCommitMillis = ema(b.txStats.AvgCommitMillis, elapsedMs, b.txStats.Committed)
		b.prom.txCommitted.Inc()
	case TxRolledBack:
		b.txStats.RolledBack++
		b.txStats.AvgRollbackMillis = ema(b.txStats.AvgRollbackMillis, elapsedMs, b.txStats.RolledBack)
		b.prom.txRolledBack.Inc()
	case TxTimedOut:
		b.txStats.TimedOut++
		b.prom.txTimedOut.Inc()
	case TxFailed:
		b.txStats.Failed++
		b.prom.txFailed.Inc()
	}
	b.txMu.Unlock()
}

func ema(prev, sample float64, count int64) float64 {
	if count <= 1 {
		return sample
	}
	return prev + emaAlpha*(sample-prev)
}

// TransactionStatusOf returns the current status of a transaction.
func (b *Broker) TransactionStatusOf(id int64) (TransactionStatus, error) {
	tx, err := b.getTx(id)
	if err != nil {
		return 0, err
	}
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return tx.Status, nil
}

// TransactionStatsSnapshot returns a copy of the broker-wide transaction
// statistics.
func (b *Broker) TransactionStatsSnapshot() TransactionStats {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return b.txStats
}

// transactionSweepLoop moves pending transactions whose deadline has
// passed to timed-out.
func (b *Broker) transactionSweepLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepTimedOutTransactions()
		}
	}
}

func (b *Broker) sweepTimedOutTransactions() {
	now := time.Now()
	b.txMu.Lock()
	var due []*Transaction
	for _, tx := range b.transactions {
		if tx.Status == TxPending && tx.Timeout > 0 && now.After(tx.StartTime.Add(tx.Timeout)) {
			due = append(due, tx)
		}
	}
	b.txMu.Unlock()

	for _, tx := range due {
		b.finishTransaction(tx, TxTimedOut, nil)
		b.emitEvent(Event{Type: "transaction.timed-out", Detail: tx.Description})
	}
}
