// Package mqtt publishes build progress and results to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/orchestrator"
)

const (
	DefaultBroker      = "tcp://localhost:1883"
	DefaultTopicPrefix = "architect"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Logger      *log.Logger
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// ProgressMessage is published on every record transition.
type ProgressMessage struct {
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	Phase     string          `json:"phase"`
	Status    dispatch.Status `json:"status"`
	Attempts  int             `json:"attempts"`
	Command   string          `json:"command"`
	LastError string          `json:"last_error,omitempty"`
}

// Publisher satisfies orchestrator.Observer.
type Publisher struct {
	c      client
	prefix string
	logger *log.Logger
}

// Dial connects to the broker. The client reconnects on its own after a
// lost connection.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "architect-" + uuid.NewString()[:8]
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	c := paho.NewClient(opts)

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(c, cfg.TopicPrefix, cfg.Logger), nil
}

func newPublisher(c client, prefix string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{c: c, prefix: prefix, logger: logger}
}

func (p *Publisher) ProgressTopic(runID string) string {
	return p.prefix + "/runs/" + runID + "/progress"
}

func (p *Publisher) ResultTopic(runID string) string {
	return p.prefix + "/runs/" + runID + "/result"
}

func (p *Publisher) RunStarted(res *orchestrator.Result) {
	p.publishResult(res)
}

// RecordUpdated publishes at QoS 0 without waiting; a slow broker never
// holds up dispatch.
func (p *Publisher) RecordUpdated(runID string, rec dispatch.Record) {
	b, err := json.Marshal(ProgressMessage{
		RunID:     runID,
		Seq:       rec.Op.Seq,
		Phase:     rec.Op.Phase,
		Status:    rec.Status,
		Attempts:  rec.Attempts,
		Command:   rec.Op.Command,
		LastError: rec.LastError,
	})
	if err != nil {
		return
	}
	p.c.Publish(p.ProgressTopic(runID), 0, false, b)
}

func (p *Publisher) RunFinished(res *orchestrator.Result) {
	p.publishResult(res)
}

func (p *Publisher) publishResult(res *orchestrator.Result) {
	c := *res
	c.Blueprint = nil
	b, err := json.Marshal(c)
	if err != nil {
		p.logger.Printf("mqtt marshal run=%s: %v", res.RunID, err)
		return
	}
	token := p.c.Publish(p.ResultTopic(res.RunID), 1, true, b)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Printf("mqtt publish timeout run=%s", res.RunID)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Printf("mqtt publish run=%s: %v", res.RunID, err)
	}
}

func (p *Publisher) Close() {
	p.c.Disconnect(1000)
}
