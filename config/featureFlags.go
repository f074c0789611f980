package config

import (
	"os"
	"strings"
)

// InlineMatchProcessing forces match jobs to run synchronously inside the
// compute-matches request instead of going through the Pub/Sub pipeline.
// This is also the automatic fallback when Pub/Sub is not configured.
//
// Set via env:
// - MATCH_JOBS_INLINE=true
func InlineMatchProcessing() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("MATCH_JOBS_INLINE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictPartitionChecks makes every run mutation re-verify the matched/unmatched
// partition invariant before commit and roll back on violation. Defaults to on;
// disable only to debug a corrupted run in place.
//
// Set via env:
// - STRICT_PARTITION_CHECKS=false
func StrictPartitionChecks() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_PARTITION_CHECKS")))
	if v == "" {
		return true
	}
	return v != "0" && v != "false" && v != "no" && v != "n"
}
