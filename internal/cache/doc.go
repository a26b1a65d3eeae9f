/*
Package cache provides the bounded in-process LRU that backs the memory tier.

LRUCache is limited by total bytes and by entry count. Inserting past either
bound evicts from the cold end of the recency list. Entries may carry their own
expiry (PutWithTTL); expired entries read as misses and are purged by a
background sweep when CleanupInterval is set:

	c := cache.NewLRUCache(&cache.CacheConfig{
		MaxSize:         256 << 20,
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
	})
	defer c.Close()

	c.PutWithTTL("k", data, time.Hour)
	if v := c.Get("k"); v != nil {
		...
	}

Stats reports hits, misses, evictions and the running hit rate. The cache
stores whatever bytes it is given; envelopes are encoded before they reach it.
*/
package cache
