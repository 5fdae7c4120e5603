package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// TransactionSubjects is the subject space of transaction lifecycle events.
const TransactionSubjects = "backbone.transactions.>"

// ConnectNATS dials NATS and opens a JetStream context. An empty url disables eventing.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	if url == "" {
		return nil, nil, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("settlement-backbone"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	log.Println("NATS connection established")
	return nc, js, nil
}

// EnsureTransactionStream creates or updates the stream that retains lifecycle events.
func EnsureTransactionStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{TransactionSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	log.Printf("Ensured NATS stream %s", name)
	return nil
}
