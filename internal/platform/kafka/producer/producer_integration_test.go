//go:build integration

package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bulwark/internal/platform/kafka/producer"
	"bulwark/pkg/testutil/containers"
)

type ProducerIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestProducerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ProducerIntegrationSuite))
}

func (s *ProducerIntegrationSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())
	prod, err := producer.New(producer.Config{
		Brokers:         s.kafka.Brokers,
		Acks:            "all",
		Retries:         3,
		DeliveryTimeout: 10 * time.Second,
	}, nil)
	s.Require().NoError(err)
	s.producer = prod
}

func (s *ProducerIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.producer.Close(ctx)
	}
}

func (s *ProducerIntegrationSuite) TestProduceDelivers() {
	topic := s.kafka.Topic(s.T(), "bulwark-violations")

	s.Require().NoError(s.producer.Produce(context.Background(), &producer.Message{
		Topic:   topic,
		Key:     []byte("203.0.113.10"),
		Value:   []byte(`{"action":"ip_blocked"}`),
		Headers: map[string]string{"event": "ip_blocked"},
	}))

	record := containers.Await(s.kafka.Consumer(s.T(), topic), "203.0.113.10", 10*time.Second)
	s.Require().NotNil(record)
	s.JSONEq(`{"action":"ip_blocked"}`, string(record.Value))
	s.Require().Len(record.Headers, 1)
	s.Equal("event", record.Headers[0].Key)
}

func (s *ProducerIntegrationSuite) TestClosedProducerRejects() {
	prod, err := producer.New(producer.Config{Brokers: s.kafka.Brokers}, nil)
	s.Require().NoError(err)
	s.Require().NoError(prod.Close(context.Background()))

	s.ErrorIs(prod.ProduceAsync(&producer.Message{Topic: "x"}), producer.ErrClosed)
}
