package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/notifier/config"
)

type EventKind string

const (
	EventPurchaseCompleted   EventKind = "purchase.completed"
	EventPurchaseCompensated EventKind = "purchase.compensated"
	EventCommissionCredited  EventKind = "commission.credited"
	EventVoucherExpired      EventKind = "voucher.expired"
	EventReconcileDrift      EventKind = "reconcile.drift"
	// требуется вмешательство оператора
	EventEscalation EventKind = "escalation"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	Account   string    `json:"account,omitempty"`
	Voucher   string    `json:"voucher,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier доставляет события движка. Ошибка доставки не влияет на операцию,
// поэтому Notify ничего не возвращает: проблемы доставки только логируются.
type Notifier interface {
	Notify(ctx context.Context, event Event)
	Close() error
}

const defaultExchange = "voucherd.events"

func NewNotifier(cfg config.Config, zaplog *zap.Logger) (Notifier, error) {
	if cfg.AMQPURL == "" {
		return NewLogNotifier(zaplog), nil
	}
	return NewAMQPNotifier(cfg, zaplog)
}

// logNotifier - без брокера, события пишутся в лог
type logNotifier struct {
	zaplog *zap.Logger
}

func NewLogNotifier(zaplog *zap.Logger) Notifier {
	return &logNotifier{zaplog: zaplog}
}

func eventFields(event Event) []zap.Field {
	fields := []zap.Field{zap.String("kind", string(event.Kind))}
	if event.Account != "" {
		fields = append(fields, zap.String("account", event.Account))
	}
	if event.Voucher != "" {
		fields = append(fields, zap.String("voucher", event.Voucher))
	}
	if event.Reference != "" {
		fields = append(fields, zap.String("reference", event.Reference))
	}
	if event.Amount != 0 {
		fields = append(fields, zap.Int64("amount", event.Amount))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	return fields
}

func (n *logNotifier) Notify(_ context.Context, event Event) {
	if event.Kind == EventEscalation {
		n.zaplog.Error("event", eventFields(event)...)
		return
	}
	n.zaplog.Info("event", eventFields(event)...)
}

func (n *logNotifier) Close() error {
	return nil
}

// amqpNotifier публикует события в topic exchange, routing key = вид события
type amqpNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	exchange string
	zaplog   *zap.Logger
}

func NewAMQPNotifier(cfg config.Config, zaplog *zap.Logger) (Notifier, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	n := &amqpNotifier{conn: conn, exchange: cfg.Exchange, zaplog: zaplog}
	if n.exchange == "" {
		n.exchange = defaultExchange
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err = ch.ExchangeDeclare(n.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return n, nil
}

func (n *amqpNotifier) publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(
		ctx,
		n.exchange,
		string(event.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.At,
			Body:         body,
		},
	)
}

func (n *amqpNotifier) Notify(ctx context.Context, event Event) {
	if err := n.publish(ctx, event); err != nil {
		// событие не потеряно полностью: остается в логе
		fields := append(eventFields(event), zap.Error(err))
		n.zaplog.Error("event publish failed", fields...)
		return
	}
	if event.Kind == EventEscalation {
		n.zaplog.Error("event", eventFields(event)...)
	}
}

func (n *amqpNotifier) Close() error {
	return n.conn.Close()
}
