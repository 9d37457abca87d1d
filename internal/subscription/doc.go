// Package subscription implements the shared-channel Subscription Coordinator.
//
// The Coordinator:
//   - Reference counts interest per (channel type, symbol) across widgets
//   - Subscribes a key on the wire only on its 0→1 transition
//   - Unsubscribes only when the last interested widget lets go
//   - Replays every held key after the feed reconnects
//   - Exposes derived online/loading state per key to the presentation layer
//
// Wire traffic goes through one Driver per channel type. Drivers report
// acknowledgements back through the Reporter methods.
package subscription
