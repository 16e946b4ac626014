package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type recordingWriter struct {
	topics []string
	msgs   [][]byte
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessage(topic string, msg []byte) error {
	if w.err != nil {
		return w.err
	}
	w.topics = append(w.topics, topic)
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisherSendsChangedSnapshots(t *testing.T) {
	w := &recordingWriter{}
	pub := NewPublisher(w, "traffic-snapshots", NewAggregator(0, time.UTC))
	ctx := context.Background()

	pub.Handle(ctx, &Snapshot{Version: 1, Status: StatusOK, Changed: true, Observations: sampleObservations(), Hash: "a"})
	pub.Handle(ctx, &Snapshot{Version: 2, Status: StatusOK, Changed: false, Observations: sampleObservations(), Hash: "a"})
	pub.Handle(ctx, &Snapshot{Version: 3, Status: StatusError, Changed: true, Err: "boom"})
	pub.Handle(ctx, &Snapshot{Version: 4, Status: StatusEmpty, Changed: true, Observations: []Observation{}})

	if len(w.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(w.msgs))
	}
	if w.topics[0] != "traffic-snapshots" {
		t.Errorf("topic = %s", w.topics[0])
	}

	var first SnapshotSummary
	if err := json.Unmarshal(w.msgs[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 || first.Rows != 5 || first.CarCount != 3 || first.AverageSpeed == nil || *first.AverageSpeed != 52 {
		t.Errorf("unexpected summary %+v", first)
	}

	var empty SnapshotSummary
	json.Unmarshal(w.msgs[1], &empty)
	if empty.Status != "empty" || empty.AverageSpeed != nil || empty.Rows != 0 {
		t.Errorf("unexpected empty summary %+v", empty)
	}

	pub.Close()
	if !w.closed {
		t.Error("Close not forwarded to the writer")
	}
}

func TestPublisherWriteErrorDoesNotPanic(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	pub := NewPublisher(w, "t", NewAggregator(0, time.UTC))
	pub.Handle(context.Background(), &Snapshot{Version: 1, Status: StatusOK, Changed: true, Observations: sampleObservations()})
	if len(w.msgs) != 0 {
		t.Error("nothing should be recorded on write failure")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("splitCSV = %v", got)
	}
	if splitCSV("") != nil {
		t.Error("empty input should give nil")
	}
}
