package bgworker

import (
	"github.com/turnforge/turnforge/internal/bisect"
	"github.com/turnforge/turnforge/internal/chatmodel"
)

// bisectStats derives CompressionStats from a bisect.Result for persistence;
// ratio/token counts are approximate, matching the char-based heuristic the
// rest of the compaction subsystem uses.
func bisectStats(result bisect.Result) chatmodel.CompressionStats {
	outTokens := bisect.EstimateTokens(result.Summary.Text)
	return chatmodel.CompressionStats{
		Algorithm:    "bisect_v1",
		Truncated:    result.Truncated,
		OutputTokens: outTokens,
	}
}

// summaryFromResult builds the persisted Summary record for one compaction
// run, anchoring its cursor to the last message of the compacted prefix
// (the message just before the surviving tail, or the last source message
// if nothing survives), so the surviving tail is still read after it.
func summaryFromResult(sessionID string, cfg bisect.Config, stats chatmodel.CompressionStats, result bisect.Result, source []chatmodel.Message) chatmodel.Summary {
	s := chatmodel.Summary{
		SessionID:          sessionID,
		Text:               result.Summary.Text,
		Model:              cfg.Model,
		Temperature:        cfg.Temperature,
		TargetOutputTokens: cfg.TargetTokens,
		KeepLastN:          cfg.KeepLastN,
		SourceMessageCount: len(source),
		Stats:              stats,
	}
	if len(source) > 0 {
		s.FirstMessageID = source[0].ID
		s.FirstMessageCreatedAt = source[0].CreatedAt
		s.LastMessageID = source[len(source)-1].ID
		s.LastMessageCreatedAt = source[len(source)-1].CreatedAt
	}
	if n := len(source) - len(result.Tail); len(result.Tail) > 0 && n > 0 {
		s.LastMessageID = source[n-1].ID
		s.LastMessageCreatedAt = source[n-1].CreatedAt
	}
	return s
}
