package envelope

import "hash/fnv"

// PartitionFor maps an aggregate id onto one of n partitions. All events for
// one aggregate always land on the same partition, preserving per-aggregate
// order while allowing cross-aggregate parallelism.
func PartitionFor(aggregateID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(partitions))
}
