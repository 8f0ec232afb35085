package trap

import "github.com/kctherootkey/likeos64/kheap"

// memstatsSnapshot serializes kernel heap occupancy for the memstats
// debug syscall. kheap.Stats already renders a human-readable summary
// for /dev/stat-style introspection; memstats hands the same text back
// to a user-space caller (likestat) rather than inventing a binary
// structure kheap doesn't otherwise produce.
func memstatsSnapshot() string {
	return kheap.Stats()
}
