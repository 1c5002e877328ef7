// Package msg defines the message broker interface used to publish
// transaction events to downstream consumers.
package msg

// Event is the transaction event published when a transfer reaches the ledger
// or settles.
type Event struct {
	Chain       string `json:"chain"`
	Hash        string `json:"hash"`
	OperationID string `json:"operationId,omitempty"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Incoming    bool   `json:"incoming"`
	Timestamp   int64  `json:"timestamp"`
}

// Broker defines the methods of a message broker.
type Broker interface {
	// Setup declares the broker topology. Must be called once before
	// publishing.
	Setup() error
	// Close terminates the connection to the broker gracefully.
	Close() error
	// PublishTx publishes a transaction event for the given chain.
	PublishTx(chain string, e Event) error
}
