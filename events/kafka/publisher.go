// Package kafka publishes committed reconciliations as BalanceReconciled
// events. Messages are keyed by account id so one account's events stay
// in order within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/homepayday/payday/ledger"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BalanceReconciled is the wire payload.
type BalanceReconciled struct {
	BalanceID      string    `json:"balance_id"`
	AccountID      string    `json:"account_id"`
	Amount         string    `json:"amount"`
	PreviousAmount string    `json:"previous_amount"`
	CalculatedOn   time.Time `json:"calculated_on"`
	PaymentIDs     []string  `json:"payment_ids"`
	WithdrawalIDs  []string  `json:"withdrawal_ids"`
}

type Publisher struct {
	writer Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// NewPublisherWithWriter is used by tests to capture messages.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

func (p *Publisher) BalanceReconciled(ctx context.Context, event ledger.BalanceEvent) error {
	payload := BalanceReconciled{
		BalanceID:      string(event.Balance.ID),
		AccountID:      string(event.Balance.AccountID),
		Amount:         event.Balance.Amount.String(),
		PreviousAmount: event.PreviousAmount.String(),
		CalculatedOn:   event.Balance.CalculatedOn,
		PaymentIDs:     make([]string, len(event.Payments)),
		WithdrawalIDs:  make([]string, len(event.Withdrawals)),
	}
	for i, id := range event.Payments {
		payload.PaymentIDs[i] = string(id)
	}
	for i, id := range event.Withdrawals {
		payload.WithdrawalIDs[i] = string(id)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Balance.AccountID),
		Value: data,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ ledger.Notifier = (*Publisher)(nil)
