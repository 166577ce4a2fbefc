package job

import (
	"fmt"
	"strings"

	"github.com/x-mirror/internal/media"
)

// BackfillSummaryString renders a backfill summary for the status page
func BackfillSummaryString(s *media.BackfillSummary) string {
	parts := []string{
		fmt.Sprintf("scanned %d", s.ScannedTweets),
		fmt.Sprintf("updated %d", s.UpdatedTweets),
		fmt.Sprintf("cached files %d", s.CachedFiles),
	}
	if s.FailedFiles > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", s.FailedFiles))
	}
	return strings.Join(parts, " · ")
}

// CleanupSummaryString renders a cleanup summary for the status page
func CleanupSummaryString(s *media.CleanupSummary) string {
	parts := []string{fmt.Sprintf("scanned assets %d", s.ScannedAssets)}
	if s.DeletedAssets == 0 {
		parts = append(parts, "nothing to delete")
	} else {
		parts = append(parts, fmt.Sprintf("deleted assets %d", s.DeletedAssets))
	}
	if s.DeletedFiles > 0 {
		parts = append(parts, fmt.Sprintf("deleted files %d", s.DeletedFiles))
	}
	if s.ReleasedBytes > 0 {
		parts = append(parts, fmt.Sprintf("released %.1f MB", float64(s.ReleasedBytes)/(1024*1024)))
	}
	if s.TTLEvictions > 0 {
		parts = append(parts, fmt.Sprintf("expired %d", s.TTLEvictions))
	}
	if s.CapacityEvictions > 0 {
		parts = append(parts, fmt.Sprintf("over capacity %d", s.CapacityEvictions))
	}
	if s.UpdatedTweets > 0 {
		parts = append(parts, fmt.Sprintf("updated tweets %d", s.UpdatedTweets))
	}
	return strings.Join(parts, " · ")
}
