// Package cli also provides the audit-trail consumer: a RabbitMQ consumer
// that subscribes to the pipeline's domain-event queue and persists every
// event into CouchDB, giving operators a durable, queryable history of
// everything the pipeline did to an incident independent of the primary
// Postgres record store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"

	"github.com/rajawajahat/opsrunbook-copilot/events"
)

// AuditConfig holds the connection settings for the audit consumer.
type AuditConfig struct {
	RabbitMQURL string // RabbitMQ connection URL (amqp://...)
	QueueName   string // queue to consume from; defaults to "opsrunbook.events"
	CouchDBURL  string // CouchDB server URL (http://...)
	CouchDBName string // CouchDB database name
}

// AuditRecord is the CouchDB document persisted for one domain event. The ID
// is deterministic (incident, run, type, occurred-at) so a redelivered
// message overwrites rather than duplicates its record.
type AuditRecord struct {
	ID         string      `json:"_id"`
	Rev        string      `json:"_rev,omitempty"`
	Type       string      `json:"type"`
	Source     string      `json:"source"`
	IncidentID string      `json:"incident_id"`
	RunID      string      `json:"run_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// auditStore is the narrow capability processMessage depends on, satisfied
// by *kivik.DB in production and a fake in tests.
type auditStore interface {
	Put(ctx context.Context, docID string, doc interface{}) (rev string, err error)
}

// AuditConsumer subscribes to the event bus's AMQP queue and writes every
// delivered event into CouchDB.
type AuditConsumer struct {
	config     AuditConfig
	connection *amqp.Connection
	channel    *amqp.Channel
	couch      *kivik.Client
	db         auditStore
}

func init() {
	RootCmd.AddCommand(consumeCmd)
	consumeCmd.PersistentFlags().String("rabbitmq-url", "", "RabbitMQ connection URL")
	consumeCmd.PersistentFlags().String("queue-name", "", "RabbitMQ queue name")
	consumeCmd.PersistentFlags().String("couchdb-url", "", "CouchDB connection URL")
	consumeCmd.PersistentFlags().String("database-name", "", "CouchDB database name")

	viper.BindPFlag("rabbitmq.url", consumeCmd.PersistentFlags().Lookup("rabbitmq-url"))
	viper.BindPFlag("rabbitmq.queue_name", consumeCmd.PersistentFlags().Lookup("queue-name"))
	viper.BindPFlag("couchdb.url", consumeCmd.PersistentFlags().Lookup("couchdb-url"))
	viper.BindPFlag("couchdb.database_name", consumeCmd.PersistentFlags().Lookup("database-name"))
}

// consumeCmd starts the audit-trail consumer.
var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "consume the pipeline's domain-event queue into a CouchDB audit trail",
	Long: `Consume runs a persistent subscriber against the "opsrunbook.events" queue
and writes each delivered event into CouchDB, building a durable audit
trail of every incident run independent of the Postgres record store.`,
	Run: func(cmd *cobra.Command, args []string) {
		rabbitmqURL, _ := cmd.Flags().GetString("rabbitmq-url")
		if rabbitmqURL == "" {
			rabbitmqURL = viper.GetString("rabbitmq.url")
		}
		queueName, _ := cmd.Flags().GetString("queue-name")
		if queueName == "" {
			queueName = viper.GetString("rabbitmq.queue_name")
		}
		if queueName == "" {
			queueName = "opsrunbook.events"
		}
		couchdbURL, _ := cmd.Flags().GetString("couchdb-url")
		if couchdbURL == "" {
			couchdbURL = viper.GetString("couchdb.url")
		}
		databaseName, _ := cmd.Flags().GetString("database-name")
		if databaseName == "" {
			databaseName = viper.GetString("couchdb.database_name")
		}
		if databaseName == "" {
			databaseName = "opsrunbook_audit"
		}

		AuditConsumerStart(AuditConfig{
			RabbitMQURL: rabbitmqURL,
			QueueName:   queueName,
			CouchDBURL:  couchdbURL,
			CouchDBName: databaseName,
		})
	},
}

// AuditConsumerStart connects, ensures the database exists, starts
// consuming, and blocks until SIGINT/SIGTERM.
func AuditConsumerStart(config AuditConfig) {
	consumer, err := NewAuditConsumer(config)
	if err != nil {
		log.Fatalf("failed to initialize audit consumer: %v", err)
	}
	defer consumer.Close()

	if err := consumer.ensureDatabase(context.Background()); err != nil {
		log.Fatalf("failed to prepare couchdb database: %v", err)
	}

	if err := consumer.Connect(); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	if err := consumer.StartConsuming(); err != nil {
		log.Fatalf("failed to start consuming: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Audit consumer is running. Press CTRL+C to exit...")
	<-sigChan

	log.Println("Shutting down audit consumer...")
}

// NewAuditConsumer builds an AuditConsumer and dials CouchDB. RabbitMQ is
// connected separately via Connect, matching the rest of this package's
// explicit connect-then-consume lifecycle.
func NewAuditConsumer(config AuditConfig) (*AuditConsumer, error) {
	client, err := kivik.New("couch", config.CouchDBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to couchdb: %w", err)
	}
	return &AuditConsumer{config: config, couch: client}, nil
}

func (c *AuditConsumer) ensureDatabase(ctx context.Context) error {
	exists, err := c.couch.DBExists(ctx, c.config.CouchDBName)
	if err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if !exists {
		if err := c.couch.CreateDB(ctx, c.config.CouchDBName); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		log.Printf("Database %s created successfully", c.config.CouchDBName)
	}
	c.db = c.couch.DB(c.config.CouchDBName)
	return nil
}

// Connect establishes the RabbitMQ connection and declares the queue,
// matching the durable/non-exclusive/non-auto-delete settings the event
// bus publisher declares it with.
func (c *AuditConsumer) Connect() error {
	var err error
	c.connection, err = amqp.Dial(c.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	return c.channel.Qos(1, 0, false)
}

// Close releases the RabbitMQ connection. Safe to call multiple times.
func (c *AuditConsumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.connection != nil {
		c.connection.Close()
	}
}

// StartConsuming registers the consumer and processes deliveries in a
// background goroutine, acking on successful persistence and nacking with
// requeue on failure.
func (c *AuditConsumer) StartConsuming() error {
	msgs, err := c.channel.Consume(
		c.config.QueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Printf("Audit consumer started. Waiting for messages...")

	go func() {
		for msg := range msgs {
			if err := c.processMessage(context.Background(), msg); err != nil {
				log.Printf("Error processing audit event: %v", err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}()

	return nil
}

func (c *AuditConsumer) processMessage(ctx context.Context, msg amqp.Delivery) error {
	var evt events.Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if evt.IncidentID == "" {
		return fmt.Errorf("incident_id is required")
	}

	record := AuditRecord{
		ID:         auditDocID(evt),
		Type:       string(evt.Type),
		Source:     evt.Source,
		IncidentID: evt.IncidentID,
		RunID:      evt.RunID,
		OccurredAt: evt.OccurredAt,
		Payload:    evt.Payload,
		RecordedAt: time.Now().UTC(),
	}

	rev, err := c.db.Put(ctx, record.ID, record)
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	log.Printf("Audit record %s saved with rev %s", record.ID, rev)
	return nil
}

// auditDocID is deterministic so a redelivered message overwrites its own
// record instead of duplicating it.
func auditDocID(evt events.Event) string {
	return fmt.Sprintf("%s:%s:%s:%d", evt.IncidentID, evt.RunID, evt.Type, evt.OccurredAt.UnixNano())
}
