// Package query is the read-through caching layer over the REST client.
// Queries serve from cache inside the freshness window; mutations and
// completed stream tasks invalidate the affected keys so the next read
// refetches.
package query

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one cached query result. ID is zero for singleton kinds.
type Key struct {
	Kind string
	ID   int64
}

const (
	kindProjects         = "projects"
	kindCompliances      = "compliances"
	kindComplianceRecord = "complianceRecord"

	cacheSize = 256
	freshFor  = 5 * time.Minute
)

func newCache() *expirable.LRU[Key, any] {
	return expirable.NewLRU[Key, any](cacheSize, nil, freshFor)
}
