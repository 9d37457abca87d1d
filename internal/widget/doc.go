// Package widget adapts panel lifecycles to the subscription coordinator.
//
// A Binding is the per-widget adapter: mount acquires, a market change
// switches, unmount releases. A Workspace holds the mounted panels by id
// and renders their views with data from the market data store.
package widget
