package persistence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"
)

// Sink stores a batch of journal messages.
type Sink interface {
	InsertMessages(ctx context.Context, msgs []db.Message) error
}

// BatchWriter journals wire frames off the transport goroutines. Record only
// appends to a buffer; a background goroutine writes batches to the sink.
type BatchWriter struct {
	sink        Sink
	buffer      []db.Message
	mu          sync.Mutex
	flushMu     sync.Mutex // held for a whole flush
	maxSize     int
	flushIntval time.Duration
	kick        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	sessionID   atomic.Value // string
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: buffered messages that trigger an early flush
// interval: time-based flush interval
func NewBatchWriter(sink Sink, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		sink:        sink,
		buffer:      make([]db.Message, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	bw.sessionID.Store("")

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// SetSessionID tags subsequent messages with the venue session.
func (bw *BatchWriter) SetSessionID(id string) {
	bw.sessionID.Store(id)
}

// Record implements atreyu.Recorder.
func (bw *BatchWriter) Record(ch atreyu.Channel, dir atreyu.Direction, frame []byte) {
	msgType, clOrdID, payload := inspect(frame)
	bw.Write(db.Message{
		Channel:    string(ch),
		Direction:  string(dir),
		MsgType:    msgType,
		ClOrdID:    clOrdID,
		SessionID:  bw.sessionID.Load().(string),
		Payload:    payload,
		RecordedAt: time.Now(),
	})
}

// inspect pulls the indexed fields out of a frame and masks credentials.
func inspect(frame []byte) (msgType, clOrdID, payload string) {
	var head struct {
		MsgType  string `json:"MsgType"`
		ClOrdID  string `json:"ClOrdID"`
		Password string `json:"Password"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", "", string(frame)
	}
	payload = string(frame)
	if head.Password != "" {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err == nil {
			m["Password"] = "***"
			if b, err := json.Marshal(m); err == nil {
				payload = string(b)
			}
		}
	}
	return head.MsgType, head.ClOrdID, payload
}

// Write adds a message to the batch. It never blocks on the sink.
func (bw *BatchWriter) Write(m db.Message) {
	if m.Payload == "" {
		return
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, m)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Flush immediately writes all buffered messages to the sink. It returns
// after any flush already in progress has finished.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}

	batch := bw.buffer
	bw.buffer = make([]db.Message, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(batch)
}

func (bw *BatchWriter) executeBatch(batch []db.Message) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bw.sink.InsertMessages(ctx, batch); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		log.Printf("journal: batch of %d failed: %v", len(batch), err)
		return err
	}
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("journal: background flush error: %v", err)
			}
		case <-bw.kick:
			if err := bw.Flush(); err != nil {
				log.Printf("journal: flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("journal: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered messages.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is buffered and stops the background goroutine.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
