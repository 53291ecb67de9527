package broker

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/johndosdos/huddle/internal/model"
)

// Every node publishes deliveries under one stream and consumes all of them.
var (
	StreamName      = "HUDDLE"
	SubjectDelivery = StreamName + "." + "delivery"
)

// Subject returns the subject a delivery of the given scope is published on.
func Subject(scope model.Scope) string {
	return SubjectDelivery + "." + string(scope)
}

// StreamConfig describes the delivery stream. dupWindow bounds the server-side
// Nats-Msg-Id dedup.
func StreamConfig(dupWindow time.Duration) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectDelivery + ".>"},
		MaxBytes:   1 << 30,
		MaxAge:     time.Hour,
		Duplicates: dupWindow,
		Storage:    jetstream.FileStorage,
	}
}
