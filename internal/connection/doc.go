// Package connection implements the feed side of shared subscriptions.
//
// The Manager:
//   - Maintains one WebSocket connection to the public feed
//   - Dials again with exponential backoff when the connection drops
//   - Reports connectivity to the subscription coordinator, which replays held keys
//   - Dispatches events and channel data to one ChannelDriver per channel type
//
// A ChannelDriver turns coordinator requests into subscribe/unsubscribe
// frames and feed acknowledgements back into coordinator reports.
package connection
