package detect

import (
	"strings"

	"bastion/core"
)

// keySep separates group-key components; ASCII unit separator never occurs
// in normalized event fields.
const keySep = "\x1f"

// buildGroupKey derives the window partition key from the rule's group_by
// fields. An empty group_by yields a single shared partition.
func buildGroupKey(ruleID string, groupBy []string, e *core.Event) string {
	if len(groupBy) == 0 {
		return ruleID
	}
	var b strings.Builder
	b.WriteString(ruleID)
	for _, f := range groupBy {
		b.WriteString(keySep)
		b.WriteString(toString(e.Field(f)))
	}
	return b.String()
}

// shardCount is a power of two so the index reduces to a mask.
const shardCount = 16

// shardIndex spreads group keys across lock shards (FNV-1a).
func shardIndex(key string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h & (shardCount - 1))
}
