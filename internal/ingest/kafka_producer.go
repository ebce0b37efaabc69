package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-tracking/internal/models"
)

// LocationMessage is one driver sample on the telemetry topic, keyed by
// driver id so a driver's samples stay ordered within a partition.
type LocationMessage struct {
	DriverID int64         `json:"driverId"`
	Sample   models.Sample `json:"sample"`
}

var ErrMissingDriver = errors.New("location message without driver id")

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishSample(ctx context.Context, driverID int64, s models.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(LocationMessage{DriverID: driverID, Sample: s})
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(driverID, 10)), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a telemetry message value.
func DecodeLocation(b []byte) (LocationMessage, error) {
	var m LocationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.DriverID == 0 {
		return m, ErrMissingDriver
	}
	return m, nil
}
