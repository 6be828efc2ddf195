/*
Package blocksync implements the parallel block-download scheduler.

A fleet of peer channels cooperatively downloads a contiguous range of
blocks. Each channel owns a Reservation: a mutable set of (hash, height)
targets plus a rolling import-rate estimate. The Reservations table hands
out work from a lazily-drained hash source, rebalances it by partitioning
the richest reservation when a newcomer finds the queue empty, and evicts
channels whose import rate falls more than a standard deviation below the
fleet mean.

Every target yielded by the hash source is held in exactly one place at a
time: the table's unassigned queue, or the assignment of a single running
reservation. A target leaves the system only when its block has been
committed to the chain.
*/
package blocksync
