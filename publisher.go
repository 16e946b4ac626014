package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// SnapshotSummary is the message published for every changed snapshot.
type SnapshotSummary struct {
	Version           uint64          `json:"version"`
	FetchedAt         time.Time       `json:"fetched_at"`
	Status            string          `json:"status"`
	Rows              int             `json:"rows"`
	Rejected          int             `json:"rejected"`
	AverageSpeed      *float64        `json:"average_speed"`
	AverageTravelTime *float64        `json:"average_travel_time"`
	TotalVehicles     int             `json:"total_vehicles"`
	CarCount          int             `json:"car_count"`
	BusCount          int             `json:"bus_count"`
	MotorcycleCount   int             `json:"motorcycle_count"`
	Directions        []CategoryCount `json:"directions"`
}

// MessageWriter is the part of a Kafka producer the publisher needs.
type MessageWriter interface {
	WriteMessage(topic string, msg []byte) error
	Close() error
}

// SaramaProducer is a synchronous Kafka producer.
type SaramaProducer struct {
	producer sarama.SyncProducer
}

func NewSaramaProducer(brokers string) (*SaramaProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaConfig.Producer.Return.Successes = true // required by SyncProducer
	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second

	brokerList := splitCSV(brokers)
	producer, err := sarama.NewSyncProducer(brokerList, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	log.Printf("[KAFKA] producer connected to %v", brokerList)
	return &SaramaProducer{producer: producer}, nil
}

func (s *SaramaProducer) WriteMessage(topic string, msg []byte) error {
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msg),
	})
	return err
}

func (s *SaramaProducer) Close() error {
	return s.producer.Close()
}

// Publisher sends a summary of each changed snapshot to a topic.
type Publisher struct {
	writer MessageWriter
	topic  string
	agg    *Aggregator
}

func NewPublisher(w MessageWriter, topic string, agg *Aggregator) *Publisher {
	return &Publisher{writer: w, topic: topic, agg: agg}
}

// Handle publishes OK snapshots whose content changed, and transitions to empty.
func (p *Publisher) Handle(ctx context.Context, snap *Snapshot) {
	if !snap.Changed || snap.Status == StatusError {
		return
	}
	msg, err := json.Marshal(Summarize(p.agg.Build(snap, Filter{}, BucketDay)))
	if err != nil {
		log.Printf("[KAFKA] encode failed: %v", err)
		return
	}
	if err := p.writer.WriteMessage(p.topic, msg); err != nil {
		log.Printf("[KAFKA] send to %s failed: %v", p.topic, err)
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Summarize strips a dashboard view down to its KPIs.
func Summarize(d *DashboardData) SnapshotSummary {
	return SnapshotSummary{
		Version:           d.Version,
		FetchedAt:         d.FetchedAt,
		Status:            d.Status,
		Rows:              d.TotalRows,
		Rejected:          d.Rejected,
		AverageSpeed:      d.AverageSpeed,
		AverageTravelTime: d.AverageTravelTime,
		TotalVehicles:     d.TotalVehicles,
		CarCount:          d.CarCount,
		BusCount:          d.BusCount,
		MotorcycleCount:   d.MotorcycleCount,
		Directions:        d.DirectionStats,
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
