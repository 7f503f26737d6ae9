package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CreateSecApprovalRequest records the comment transactions posted alongside
// a sec-approval request. One of them may carry the sanitised commit message
// the landing must use instead of the revision title.
func (s *SQLiteStorage) CreateSecApprovalRequest(ctx context.Context, revisionID int, diffPHID string, commentPHIDs []string) error {
	if commentPHIDs == nil {
		commentPHIDs = []string{}
	}
	candidates, err := json.Marshal(commentPHIDs)
	if err != nil {
		return fmt.Errorf("failed to encode comment candidates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secapproval_requests (revision_id, diff_phid, comment_candidates, created_at)
		VALUES (?, ?, ?, ?)
	`, revisionID, diffPHID, string(candidates), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to record sec-approval request for D%d: %w", revisionID, err)
	}
	return nil
}

// SecApprovalCommentPHIDs returns the candidate comment PHIDs recorded for a
// revision, newest request first, so callers probe the most recent sanitised
// message before older ones.
func (s *SQLiteStorage) SecApprovalCommentPHIDs(ctx context.Context, revisionID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_candidates FROM secapproval_requests
		WHERE revision_id = ?
		ORDER BY id DESC
	`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sec-approval requests for D%d: %w", revisionID, err)
	}
	defer rows.Close()

	var phids []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan sec-approval request: %w", err)
		}
		var batch []string
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("failed to decode comment candidates for D%d: %w", revisionID, err)
		}
		phids = append(phids, batch...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sec-approval requests: %w", err)
	}
	return phids, nil
}
