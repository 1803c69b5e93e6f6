package kv

import "fmt"

// Key builders for the persisted KV layout. Kept in one place so the shapes
// stay greppable: org:token:{t}, policy:{org}, lock:{hash},
// rate:{agent}:{window}, cost:{scope}:{bucket}, cache:{org}:{model}:{hash}.

// OrgTokenKey maps an API token to its organization id.
func OrgTokenKey(token string) string { return "org:token:" + token }

// PolicyKey mirrors the active policy document for an org.
func PolicyKey(orgID string) string { return "policy:" + orgID }

// LockKey holds the resource lock for a 16-hex resource hash.
func LockKey(resourceHash string) string { return "lock:" + resourceHash }

// RateKey is the per-agent request counter for a time window.
func RateKey(agentID, window string) string {
	return fmt.Sprintf("rate:%s:%s", agentID, window)
}

// CostKey is the burn counter for a scope (org or agent) and minute bucket.
func CostKey(scope, bucket string) string {
	return fmt.Sprintf("cost:%s:%s", scope, bucket)
}

// CostRequestsKey counts requests alongside CostKey for the same bucket.
func CostRequestsKey(scope, bucket string) string {
	return fmt.Sprintf("cost:%s:%s:requests", scope, bucket)
}

// CacheKey is the exact-hash semantic cache shortcut.
func CacheKey(orgID, model, promptHash string) string {
	return fmt.Sprintf("cache:%s:%s:%s", orgID, model, promptHash)
}
