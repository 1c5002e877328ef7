// Package amqp implements the message broker interface for AMQP compliant
// brokers (ie RabbitMQ).
package amqp

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/custodia/cpg/lib/msg"
)

// exchange receives transaction events, routed by chain and hash.
const exchange = "te"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.Broker, error) {
	r := Amqp{}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return nil, errors.Wrapf(err, "cannot dial broker %s", uri)
	}

	return &r, nil
}

// Setup declares the "te" topic exchange transaction events are published to.
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}

	return r.conn.Close()
}

// PublishTx publishes a transaction event to the "te" exchange with routing
// key <chain>.tx.<hash>.
func (r *Amqp) PublishTx(chain string, e msg.Event) error {
	jsonDoc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	return r.ch.Publish(exchange, chain+".tx."+e.Hash, false, false, amqp.Publishing{
		Headers:     amqp.Table{"x-tx-name": chain + "." + e.Hash},
		Body:        jsonDoc,
		ContentType: "application/json",
	})
}
