package datastore

// MemoryUsage aggregates the byte accounting of a store or a set of stores.
type MemoryUsage struct {
	AllocatedBytes       int
	UsedBytes            int
	DeadBytes            int
	AllocatedBytesOnHold int
}

func (m *MemoryUsage) Merge(other MemoryUsage) {
	m.AllocatedBytes += other.AllocatedBytes
	m.UsedBytes += other.UsedBytes
	m.DeadBytes += other.DeadBytes
	m.AllocatedBytesOnHold += other.AllocatedBytesOnHold
}

// DeadRatio is dead bytes over used bytes; the memory-pressure input to the
// compaction strategy.
func (m MemoryUsage) DeadRatio() float64 {
	if m.UsedBytes == 0 {
		return 0
	}
	return float64(m.DeadBytes) / float64(m.UsedBytes)
}

// AddressSpace tracks consumption of the ref-addressable element space of
// one store.
type AddressSpace struct {
	Used  uint64
	Dead  uint64
	Limit uint64
}

func (a AddressSpace) UsageRatio() float64 {
	if a.Limit == 0 {
		return 0
	}
	return float64(a.Used) / float64(a.Limit)
}

func (a AddressSpace) DeadRatio() float64 {
	if a.Used == 0 {
		return 0
	}
	return float64(a.Dead) / float64(a.Used)
}
