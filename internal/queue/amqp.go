package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/logging"
)

const exchangeName = "outreach"

// AMQPQueue publishes to a durable topic exchange and consumes through one
// durable queue per topic.
type AMQPQueue struct {
	conn *amqp.Connection

	mu      sync.Mutex
	pubCh   *amqp.Channel
	wg      sync.WaitGroup
	maxRetr int
	log     *zap.Logger
}

func DialAMQP(url string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPQueue{conn: conn, pubCh: ch, maxRetr: 3, log: logging.OrNop(log)}, nil
}

func toTable(headers map[string]string) amqp.Table {
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (q *AMQPQueue) Publish(_ context.Context, topic string, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pubCh.Publish(exchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      toTable(msg.Headers),
		Body:         msg.Body,
	})
}

// Subscribe consumes until ctx is done. Failed deliveries are requeued up to
// the retry budget, tracked in the x-retry-count header.
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	queue, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, topic, exchangeName, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(
		queue.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				q.handle(ctx, topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, Message{Headers: fromTable(d.Headers), Body: d.Body})
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retryCount := 0
	if v, ok := d.Headers[HeaderRetryCount].(int32); ok {
		retryCount = int(v)
	}
	if IsPermanent(err) || retryCount >= q.maxRetr {
		q.log.Warn("dropping delivery", zap.String("topic", topic), zap.Int("retries", retryCount), zap.Error(err))
		_ = d.Ack(false)
		return
	}

	// republish with a bumped counter; a plain requeue would lose it
	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers[HeaderRetryCount] = int32(retryCount + 1)
	q.mu.Lock()
	pubErr := q.pubCh.Publish(exchangeName, topic, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	q.mu.Unlock()
	if pubErr != nil {
		q.log.Warn("requeue failed", zap.String("topic", topic), zap.Error(pubErr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	q.mu.Unlock()
	err := q.conn.Close()
	q.wg.Wait()
	return err
}
