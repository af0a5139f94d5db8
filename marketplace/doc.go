/*
Package marketplace implements the decentralized marketplace protocol: a set
of signed, append-only events exchanged over a broadcast network, driving a
per-transaction state machine from listing through bid, acceptance, escrowed
payment and receipt.

Major Dependencies

https://github.com/filecoin-project/go-statemachine - a finite state machine that tracks transaction state
https://github.com/filecoin-project/go-statestore - persisted state collections over a datastore
https://github.com/filecoin-project/go-storedcounter - for generating persistent listing sequence numbers
https://github.com/ipfs/go-datastore - for persisting statemachine state for transactions
https://github.com/btcsuite/btcd/btcec - secp256k1 Schnorr signatures over event ids
https://github.com/hannahhoward/go-pubsub - for pub/sub notifications external to the statemachine
https://github.com/santhosh-tekuri/jsonschema - validation of event content payloads

This top level package defines the event kinds, the typed content payload for
each kind, the MarketTransaction aggregate and its status enumeration, builders
for outbound events, and the collaborator interfaces. The primary
implementation lives in the `impl` directory.

The embedding application is expected to implement BroadcastNode and
PaymentNode and supply them as dependencies when constructing the Marketplace.
*/
package marketplace
