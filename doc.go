// Package custody and its sub-packages implement the backend services of a custodial multi-chain payment system.
/*
custody provides you with two microservices sharing one ledger database:

1) a wallet microservice (package wallet) that implements a RESTful API for operators and the client system: withdraw
 requests and their approval, direct sends from the hot wallet, address generation, deposit collection and the
 operator actions on transactions (mark failed, force complete, manual resend, replay of failed notifications).

2) a worker microservice (cmd/worker) that runs the scheduled jobs: the deposit scan of every chain (package explorer),
 the confirmation of pending transactions (package confirm), the withdraw dispatch (package withdraw), the replay of
 failed notifications (package notify) and the forwarding of deposits to cold wallets (package collect).

Architecture

Every job is registered in a single-flight scheduler (package scheduler): a tick that finds the previous run of the
same job still active is skipped, never queued. With a Redis address configured the guard is a lease shared by all
worker replicas.

Chains are reached through the Adapter interface of package lib/block, resolved once at startup into a registry keyed
by coin. Chains with costly block RPCs can be scanned in pool mode: the scan cursor only enqueues block units, which a
bounded pool of workers (package explorer/pool) processes with a per-unit timeout and crash recovery at startup.

The ledger (package lib/store) is product agnostic: MongoDB, PostgreSQL and an in-memory implementation share one
interface whose writes that depend on a record's state are conditional and report whether they applied.

Landed deposits, withdrawals and sends are notified to the client system over HTTP with an HMAC signature; failed
deliveries are queued and replayed until a destination accepts them. Each delivered notification is also published
to the message broker (package lib/msg) when one is configured.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.
*/
package custody
