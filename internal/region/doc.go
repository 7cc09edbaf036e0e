// Package region selects the data-shard region for a connecting client.
//
// Selection is a pure function of (continent hint, point). The Router only
// adds endpoint lookup on top of it.
package region
