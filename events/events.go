// Package events publishes invoice emission events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/sammel-billing/billing"
)

// InvoiceEmitted is published after an invoice or credit note is committed.
type InvoiceEmitted struct {
	InvoiceID         string    `json:"invoiceId"`
	Number            string    `json:"number"`
	Type              string    `json:"type"`
	DoctorID          string    `json:"doctorId,omitempty"`
	BillObjRefs       []string  `json:"billObjRefs"`
	CheckpointRef     string    `json:"checkpointRef,omitempty"`
	OriginalInvoiceID string    `json:"originalInvoiceId,omitempty"`
	Total             string    `json:"total"`
	Currency          string    `json:"currency,omitempty"`
	EmittedAt         time.Time `json:"emittedAt"`
}

// FromInvoice builds the event of inv.
func FromInvoice(inv billing.Invoice) InvoiceEmitted {
	refs := make([]string, len(inv.BillObjRefs))
	for i, r := range inv.BillObjRefs {
		refs[i] = string(r)
	}
	return InvoiceEmitted{
		InvoiceID:         string(inv.ID),
		Number:            inv.Number,
		Type:              string(inv.Type),
		DoctorID:          string(inv.DoctorID),
		BillObjRefs:       refs,
		CheckpointRef:     string(inv.SammelCheckpointRef),
		OriginalInvoiceID: string(inv.OriginalInvoiceID),
		Total:             inv.Total.StringFixed(2),
		Currency:          inv.Currency,
		EmittedAt:         inv.CreatedAt,
	}
}

// Publisher is what the worker publishes through.
type Publisher interface {
	PublishInvoiceEmitted(ctx context.Context, e InvoiceEmitted) error
	Close() error
}

// =============================================================================
// KAFKA
// =============================================================================

// Writer is the subset of kafka.Writer used, so tests can inject one.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher writes to topic on brokers, keyed by invoice id.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w}
}

func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishInvoiceEmitted(ctx context.Context, e InvoiceEmitted) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal invoice event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(e.InvoiceID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte("InvoiceEmitted")}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write invoice event %s: %w", e.InvoiceID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// =============================================================================
// LOG - For deployments without a broker
// =============================================================================

type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishInvoiceEmitted(_ context.Context, e InvoiceEmitted) error {
	p.logger.Info("invoice emitted", "invoice_id", e.InvoiceID, "number", e.Number, "type", e.Type, "total", e.Total)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
