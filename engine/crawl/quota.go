package crawl

import "github.com/QuestFinder/quest-crawler/engine/thread"

// Allocate splits a global first-level reply quota across n queries. When
// total is thread.NoQuota every query is unbounded. Otherwise the first
// total%n queries receive one extra reply so the shares always sum to total
// and never differ by more than one. Deterministic and order-stable.
func Allocate(total, n int) []int {
	quotas := make([]int, n)
	if total == thread.NoQuota {
		for i := range quotas {
			quotas[i] = thread.NoQuota
		}
		return quotas
	}

	base, remainder := total/n, total%n
	for i := range quotas {
		quotas[i] = base
		if i < remainder {
			quotas[i]++
		}
	}
	return quotas
}
