// Package flow adapts callback-driven change notification into demand-driven
// streams.
//
// An ObservationSource only knows "register a callback, call it until
// unregistered". A Publisher wraps one key on such a source; each Subscribe
// hands the Consumer a Subscription through which it requests demand and
// cancels. The first request registers with the source. Every raw
// notification is then converted to the element type and forwarded only if
// demand is outstanding; notifications beyond demand are dropped and counted,
// never buffered.
//
// # Lifecycle
//
// The registration is torn down exactly once, by whichever happens first:
// Cancel, a terminal failure, the source reporting EndOfStream, or the
// Subscription value becoming unreachable. The source only holds a weak
// reference to the subscription state, so a consumer that keeps its
// Subscription is released together with it once the application drops
// both.
//
// # Concurrency
//
// Each subscription serializes its own state behind a mutex that is never
// held while calling the consumer, the converter or the source. Consumers
// may call Request or Cancel from inside OnNext. A notification already past
// the demand check when Cancel runs may still be delivered; nothing arriving
// after Cancel returns is. A terminal signal waits for OnNext calls already
// in progress, so no value is observed after OnComplete or OnFailure.
package flow
