package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// =============================================================================
// TRANSMISSIONS
// =============================================================================

const transmissionColumns = `id, challenge_id, runner_id, frequency_hz, device_id, started_at, ended_at, outcome, error, created_at`

func scanTransmission(row pgx.Row) (*types.Transmission, error) {
	var tm types.Transmission
	err := row.Scan(
		&tm.ID, &tm.ChallengeID, &tm.RunnerID, &tm.FrequencyHz, &tm.DeviceID,
		&tm.StartedAt, &tm.EndedAt, &tm.Outcome, &tm.Error, &tm.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

// GetTransmission retrieves a transmission by ID.
func (s *Store) GetTransmission(ctx context.Context, id string) (*types.Transmission, error) {
	return scanTransmission(s.pool.QueryRow(ctx, `
		SELECT `+transmissionColumns+` FROM transmissions WHERE id = $1
	`, id))
}

// ListTransmissions returns recent transmissions, optionally scoped to one
// challenge, newest first.
func (s *Store) ListTransmissions(ctx context.Context, challengeID string, limit int) ([]types.Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions`
	args := []any{}
	if challengeID != "" {
		query += ` WHERE challenge_id = $1`
		args = append(args, challengeID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Transmission
	for rows.Next() {
		var tm types.Transmission
		if err := rows.Scan(
			&tm.ID, &tm.ChallengeID, &tm.RunnerID, &tm.FrequencyHz, &tm.DeviceID,
			&tm.StartedAt, &tm.EndedAt, &tm.Outcome, &tm.Error, &tm.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}

// MarkTransmissionStarted stamps the on-air instant of a pending
// transmission. Returns ErrConflict if it already started or finished.
func (s *Store) MarkTransmissionStarted(ctx context.Context, id, runnerID string, at time.Time) (*types.Transmission, error) {
	tm, err := scanTransmission(s.pool.QueryRow(ctx, `
		UPDATE transmissions SET started_at = $3
		WHERE id = $1 AND runner_id = $2 AND outcome = 'pending' AND started_at IS NULL
		RETURNING `+transmissionColumns+`
	`, id, runnerID, at))
	if err != nil {
		return nil, err
	}
	if tm == nil {
		existing, err := s.GetTransmission(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, types.ErrNotFound
		}
		if existing.RunnerID != runnerID {
			return nil, types.ErrUnauthorized
		}
		return nil, types.ErrConflict
	}
	return tm, nil
}

// RecordingStats feeds the recording priority computation for a challenge.
type RecordingStats struct {
	// TransmissionsSinceRecording counts successful transmissions since the
	// last good recording, or all of them if the challenge was never recorded.
	TransmissionsSinceRecording int
	// LastRecordedAt is nil when the challenge has never been recorded.
	LastRecordedAt *time.Time
}

// GetRecordingStats returns the recording history stats for one challenge.
func (s *Store) GetRecordingStats(ctx context.Context, challengeID string) (*RecordingStats, error) {
	var stats RecordingStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transmissions t
			 WHERE t.challenge_id = $1 AND t.outcome = 'success'
			   AND t.created_at > COALESCE(
			       (SELECT MAX(r.created_at) FROM recordings r
			        WHERE r.challenge_id = $1 AND r.error = ''),
			       'epoch'::timestamptz)),
			(SELECT MAX(r.created_at) FROM recordings r
			 WHERE r.challenge_id = $1 AND r.error = '')
	`, challengeID).Scan(&stats.TransmissionsSinceRecording, &stats.LastRecordedAt)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
