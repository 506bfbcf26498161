package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafkago.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Keyed payloads choose their own partition key.
type Keyed interface {
	EventKey() string
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Forwarder copies bus events to Kafka as JSON. Each message carries the
// event name in the "event" header and the payload's key when it has one.
type Forwarder struct {
	bus    *Bus
	writer MessageWriter
	topics []Event

	wg     sync.WaitGroup
	mu     sync.Mutex
	unsubs []func()
}

// NewForwarder forwards the given topics; none means order updates and
// connection changes.
func NewForwarder(bus *Bus, w MessageWriter, topics ...Event) *Forwarder {
	if len(topics) == 0 {
		topics = []Event{EventOrderUpdate, EventConnection}
	}
	return &Forwarder{bus: bus, writer: w, topics: topics}
}

// Start subscribes and forwards until ctx is done or Close is called.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range f.topics {
		ch, unsub := f.bus.Subscribe(topic, 256)
		f.unsubs = append(f.unsubs, unsub)
		f.wg.Add(1)
		go f.run(ctx, topic, ch)
	}
}

func (f *Forwarder) run(ctx context.Context, topic Event, ch <-chan any) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if err := f.forward(ctx, topic, payload); err != nil {
				log.Printf("events: kafka forward %s failed: %v", topic, err)
			}
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, topic Event, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Value:   value,
		Headers: []kafkago.Header{{Key: "event", Value: []byte(topic)}},
		Time:    time.Now().UTC(),
	}
	if k, ok := payload.(Keyed); ok {
		msg.Key = []byte(k.EventKey())
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.writer.WriteMessages(wctx, msg)
}

// Close unsubscribes, waits for in-flight writes and closes the writer.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	f.wg.Wait()
	return f.writer.Close()
}
