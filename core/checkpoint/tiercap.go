package checkpoint

import "time"

// TierCap returns the maximum number of checkpoints permitted at context
// tier (1-5): 4 / 4 / 10 / 6 / 4.
func TierCap(tier int) int {
	switch tier {
	case 1:
		return 4
	case 2:
		return 4
	case 3:
		return 10
	case 4:
		return 6
	case 5:
		return 4
	default:
		return 4
	}
}

// EnforceTierCap merges the oldest checkpoints pairwise, respecting
// ordering, until the list's length is at or under the tier's cap. Each
// pairwise merge combines two adjacent checkpoints into one at the lower
// (more compact) of their two levels and never above level 1, so repeated
// enforcement only ever moves levels downward.
func EnforceTierCap(checkpoints []Checkpoint, tier int, compressionHistorySize int, now time.Time) []Checkpoint {
	limit := TierCap(tier)
	for len(checkpoints) > limit && len(checkpoints) >= 2 {
		merged := mergePair(checkpoints[0], checkpoints[1], compressionHistorySize, now)
		next := make([]Checkpoint, 0, len(checkpoints)-1)
		next = append(next, merged)
		next = append(next, checkpoints[2:]...)
		checkpoints = next
	}
	return checkpoints
}

func mergePair(a, b Checkpoint, compressionHistorySize int, now time.Time) Checkpoint {
	level := a.Level
	if b.Level < level {
		level = b.Level
	}
	if level > Level1 {
		// A pairwise merge under cap pressure always drops at least to
		// level 1; anything still at level 2/3 here is forced down.
		level = Level1
	}

	decisions := append(append([]string{}, a.KeyDecisions...), b.KeyDecisions...)
	if len(decisions) > maxKeyDecisions {
		decisions = decisions[:maxKeyDecisions]
	}
	files := append(append([]string{}, a.FilesModified...), b.FilesModified...)
	if len(files) > maxFilesModified {
		files = files[:maxFilesModified]
	}

	content := "[capped merge]\n" + a.Summary.Content + "\n---\n" + b.Summary.Content
	maxCount := a.CompressionCount
	if b.CompressionCount > maxCount {
		maxCount = b.CompressionCount
	}

	return Checkpoint{
		ID:                mergedID(a, b),
		Level:             level,
		Range:             Range{Start: a.Range.Start, End: b.Range.End},
		Summary:           newSystemMessage(content, now),
		OriginalTokens:    a.OriginalTokens + b.OriginalTokens,
		CurrentTokens:     estimateTokens(content),
		CompressionCount:  maxCount + 1,
		CompressionNumber: compressionHistorySize,
		KeyDecisions:      decisions,
		FilesModified:     files,
		CreatedAt:         a.CreatedAt,
		AgedAt:            now,
	}
}
