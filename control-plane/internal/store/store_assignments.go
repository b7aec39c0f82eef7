// Package store - listener assignment and recording operations.
package store

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// =============================================================================
// LISTENER ASSIGNMENTS
// =============================================================================

const assignmentColumns = `id, transmission_id, challenge_id, listener_id, frequency_hz,
	expected_start, expected_duration_seconds, status, created_at, updated_at`

func scanAssignment(row pgx.Row) (*types.ListenerAssignment, error) {
	var a types.ListenerAssignment
	err := row.Scan(
		&a.ID, &a.TransmissionID, &a.ChallengeID, &a.ListenerID, &a.FrequencyHz,
		&a.ExpectedStart, &a.ExpectedDurationSeconds, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAssignment records a new recording task for a listener.
func (s *Store) CreateAssignment(ctx context.Context, a *types.ListenerAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listener_assignments (id, transmission_id, challenge_id, listener_id,
			frequency_hz, expected_start, expected_duration_seconds, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.TransmissionID, a.ChallengeID, a.ListenerID,
		a.FrequencyHz, a.ExpectedStart, a.ExpectedDurationSeconds, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetAssignment retrieves an assignment by ID.
func (s *Store) GetAssignment(ctx context.Context, id string) (*types.ListenerAssignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM listener_assignments WHERE id = $1
	`, id))
}

// GetAssignmentByTransmission retrieves the assignment bound to a transmission.
func (s *Store) GetAssignmentByTransmission(ctx context.Context, transmissionID string) (*types.ListenerAssignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM listener_assignments WHERE transmission_id = $1
	`, transmissionID))
}

// ListActiveAssignments returns the non-terminal assignments for a listener,
// oldest first. Used both for coordination and for agent resync after a
// channel reconnect.
func (s *Store) ListActiveAssignments(ctx context.Context, listenerID string) ([]types.ListenerAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM listener_assignments
		WHERE listener_id = $1 AND status IN ('assigned', 'recording')
		ORDER BY created_at
	`, listenerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows pgx.Rows) ([]types.ListenerAssignment, error) {
	var out []types.ListenerAssignment
	for rows.Next() {
		var a types.ListenerAssignment
		if err := rows.Scan(
			&a.ID, &a.TransmissionID, &a.ChallengeID, &a.ListenerID, &a.FrequencyHz,
			&a.ExpectedStart, &a.ExpectedDurationSeconds, &a.Status, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAssignment moves an assignment from one status to another on
// behalf of the listener that holds it. The WHERE clause enforces both the
// transition and ownership so a stale or impersonating caller never mutates
// the row: a missing row is ErrNotFound, another listener's row is
// ErrUnauthorized, and a status mismatch is ErrConflict.
func (s *Store) TransitionAssignment(ctx context.Context, id, listenerID string, from, to types.AssignmentStatus) (*types.ListenerAssignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx, `
		UPDATE listener_assignments SET status = $4, updated_at = NOW()
		WHERE id = $1 AND listener_id = $2 AND status = $3
		RETURNING `+assignmentColumns+`
	`, id, listenerID, from, to))
	if err != nil {
		return nil, err
	}
	if a == nil {
		existing, err := s.GetAssignment(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, types.ErrNotFound
		}
		if existing.ListenerID != listenerID {
			return nil, types.ErrUnauthorized
		}
		return nil, types.ErrConflict
	}
	return a, nil
}

// CancelAssignmentsForListener cancels every non-terminal assignment held by
// a listener and returns them. Used when a listener goes offline.
func (s *Store) CancelAssignmentsForListener(ctx context.Context, listenerID string) ([]types.ListenerAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE listener_assignments SET status = 'cancelled', updated_at = NOW()
		WHERE listener_id = $1 AND status IN ('assigned', 'recording')
		RETURNING `+assignmentColumns+`
	`, listenerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// CancelAssignmentForTransmission cancels the non-terminal assignment bound
// to a transmission, if any. Returns (nil, nil) when there is nothing to
// cancel.
func (s *Store) CancelAssignmentForTransmission(ctx context.Context, transmissionID string) (*types.ListenerAssignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx, `
		UPDATE listener_assignments SET status = 'cancelled', updated_at = NOW()
		WHERE transmission_id = $1 AND status IN ('assigned', 'recording')
		RETURNING `+assignmentColumns+`
	`, transmissionID))
}

// =============================================================================
// RECORDINGS
// =============================================================================

const recordingColumns = `id, assignment_id, transmission_id, challenge_id, listener_id,
	image_path, width, height, sample_rate, duration_seconds, error, created_at`

// CreateRecording stores a recording row. Recordings are immutable after
// insert except for the image path set by the upload handler.
func (s *Store) CreateRecording(ctx context.Context, r *types.Recording) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recordings (id, assignment_id, transmission_id, challenge_id, listener_id,
			image_path, width, height, sample_rate, duration_seconds, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		r.ID, r.AssignmentID, r.TransmissionID, r.ChallengeID, r.ListenerID,
		r.ImagePath, r.Width, r.Height, r.SampleRate, r.DurationSeconds, r.Error, r.CreatedAt,
	)
	return err
}

// GetRecording retrieves a recording by ID.
func (s *Store) GetRecording(ctx context.Context, id string) (*types.Recording, error) {
	var r types.Recording
	err := s.pool.QueryRow(ctx, `
		SELECT `+recordingColumns+` FROM recordings WHERE id = $1
	`, id).Scan(
		&r.ID, &r.AssignmentID, &r.TransmissionID, &r.ChallengeID, &r.ListenerID,
		&r.ImagePath, &r.Width, &r.Height, &r.SampleRate, &r.DurationSeconds, &r.Error, &r.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetRecordingImagePath records where the uploaded spectrogram landed.
func (s *Store) SetRecordingImagePath(ctx context.Context, id, path string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE recordings SET image_path = $2 WHERE id = $1`, id, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ListRecordings returns recent recordings, optionally scoped to a
// challenge, newest first.
func (s *Store) ListRecordings(ctx context.Context, challengeID string, limit, offset int) ([]types.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	args := []any{}
	if challengeID != "" {
		query += ` WHERE challenge_id = $1`
		args = append(args, challengeID)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Recording
	for rows.Next() {
		var r types.Recording
		if err := rows.Scan(
			&r.ID, &r.AssignmentID, &r.TransmissionID, &r.ChallengeID, &r.ListenerID,
			&r.ImagePath, &r.Width, &r.Height, &r.SampleRate, &r.DurationSeconds, &r.Error, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// FLEET OVERVIEW
// =============================================================================

// FleetOverview aggregates counts for the admin dashboard.
type FleetOverview struct {
	RunnersOnline     int `json:"runners_online"`
	RunnersTotal      int `json:"runners_total"`
	ListenersOnline   int `json:"listeners_online"`
	ListenersTotal    int `json:"listeners_total"`
	ChallengesEnabled int `json:"challenges_enabled"`
	ChallengesTotal   int `json:"challenges_total"`
	ActiveAssignments int `json:"active_assignments"`
	Transmissions24h  int `json:"transmissions_24h"`
	Recordings24h     int `json:"recordings_24h"`
}

// GetFleetOverview computes the dashboard aggregates in one round trip.
func (s *Store) GetFleetOverview(ctx context.Context) (*FleetOverview, error) {
	var o FleetOverview
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents WHERE role = 'runner' AND status = 'online'),
			(SELECT COUNT(*) FROM agents WHERE role = 'runner'),
			(SELECT COUNT(*) FROM agents WHERE role = 'listener' AND status = 'online'),
			(SELECT COUNT(*) FROM agents WHERE role = 'listener'),
			(SELECT COUNT(*) FROM challenges WHERE enabled = TRUE),
			(SELECT COUNT(*) FROM challenges),
			(SELECT COUNT(*) FROM listener_assignments WHERE status IN ('assigned', 'recording')),
			(SELECT COUNT(*) FROM transmissions WHERE created_at > NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM recordings WHERE created_at > NOW() - INTERVAL '24 hours')
	`).Scan(
		&o.RunnersOnline, &o.RunnersTotal, &o.ListenersOnline, &o.ListenersTotal,
		&o.ChallengesEnabled, &o.ChallengesTotal, &o.ActiveAssignments,
		&o.Transmissions24h, &o.Recordings24h,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
