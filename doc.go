// Package cpg and its sub-packages implement the backend services of a custodial payment gateway for blockchains that
// route deposits to a shared operator address through memo or destination-tag style address extensions.
/*
cpg provides you with two microservices:

1) a custody service (package custody) that implements a RESTful API for balance tracking, deposit address
 observation, transaction construction, broadcasting and per-address history.

2) a signing service (package signer) that holds the private key material exclusively, deriving deposit addresses and
 signing transaction contexts offline.

Architecture

The custody service owns the database and the chain connection. It builds unsigned transaction contexts, the client
carries them to the signing service, and the signed result comes back to the custody service for broadcast. The
signing service never touches the network or the store, so key material stays on a host with no inbound dependencies.

Deposits arrive on a single hot-wallet address and are told apart by the payment id encoded in the transaction memo.
The custody service projects chain events into per-account balances (package custody, fed by lib/wallet) and can
return deposits that carry no known payment id back to their sender, tagging each return with a random bounce tag so
the refund is never mistaken for a client deposit.

Persistence (package lib/store) is database product agnostic with MongoDB and PostgreSQL implementations. Completed
transactions can optionally be published to an AMQP message broker (package lib/msg) for downstream consumers. The
chain layer (package lib/wallet) is an interface with a Stellar implementation (package lib/wallet/stellar); new
chains can be added without touching the services.

Both services are configured via a JSON config file given at startup, overridable through CPG_* environment
variables, and can be monitored via a Prometheus API by setting the flag "-m".

Custody

The custody service can be started running cmd/custody/main.go. It requires a database and, when configured with a
wallet address and view key, connects to the chain node and starts streaming operations for the hot wallet. Until
credentials are supplied (config or POST /api/initialize) the API answers with 503 on wallet-dependent routes.

Signer

The signing service can be started running cmd/signer/main.go. It exposes /api/wallets to derive deposit addresses
and /api/sign to sign a transaction context offline. It is safe to run multiple stateless instances.
*/
package cpg
