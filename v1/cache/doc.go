// Package cache keeps named caches coherent across processes sharing one
// store. A RemoteCache is a hash in the store. A LocalCache mirrors it in
// process and writes through, announcing every change on the invalidation
// topic so that the Coherence of every other process drops its stale copy.
package cache
