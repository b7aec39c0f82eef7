package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// =============================================================================
// CHALLENGES
// =============================================================================

const challengeColumns = `id, name, modulation, payload, frequency_hz, frequency_range, enabled,
	min_delay_seconds, max_delay_seconds, priority, status, assigned_to,
	last_attempted_at, next_eligible_at, created_at, updated_at`

func scanChallenge(row pgx.Row) (*types.Challenge, error) {
	var c types.Challenge
	var freqHz *int64
	var freqRange *string
	err := row.Scan(
		&c.ID, &c.Name, &c.Modulation, &c.Payload, &freqHz, &freqRange, &c.Enabled,
		&c.MinDelaySeconds, &c.MaxDelaySeconds, &c.Priority, &c.Status, &c.AssignedTo,
		&c.LastAttemptedAt, &c.NextEligibleAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if freqHz != nil {
		c.FrequencyHz = *freqHz
	}
	if freqRange != nil {
		c.FrequencyRange = *freqRange
	}
	return &c, nil
}

func challengeArgs(c *types.Challenge) (payload []byte, freqHz *int64, freqRange *string) {
	payload = c.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	if c.FrequencyHz > 0 {
		freqHz = &c.FrequencyHz
	}
	if c.FrequencyRange != "" {
		freqRange = &c.FrequencyRange
	}
	return payload, freqHz, freqRange
}

// CreateChallenge inserts a new challenge.
func (s *Store) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	payload, freqHz, freqRange := challengeArgs(c)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (id, name, modulation, payload, frequency_hz, frequency_range, enabled,
			min_delay_seconds, max_delay_seconds, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		c.ID, c.Name, c.Modulation, payload, freqHz, freqRange, c.Enabled,
		c.MinDelaySeconds, c.MaxDelaySeconds, c.Priority, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetChallenge retrieves a challenge by ID.
func (s *Store) GetChallenge(ctx context.Context, id string) (*types.Challenge, error) {
	return scanChallenge(s.pool.QueryRow(ctx, `
		SELECT `+challengeColumns+` FROM challenges WHERE id = $1
	`, id))
}

// ListChallenges returns all challenges ordered by priority then name.
func (s *Store) ListChallenges(ctx context.Context) ([]types.Challenge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+challengeColumns+` FROM challenges ORDER BY priority DESC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChallenges(rows)
}

func collectChallenges(rows pgx.Rows) ([]types.Challenge, error) {
	var out []types.Challenge
	for rows.Next() {
		var c types.Challenge
		var freqHz *int64
		var freqRange *string
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Modulation, &c.Payload, &freqHz, &freqRange, &c.Enabled,
			&c.MinDelaySeconds, &c.MaxDelaySeconds, &c.Priority, &c.Status, &c.AssignedTo,
			&c.LastAttemptedAt, &c.NextEligibleAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if freqHz != nil {
			c.FrequencyHz = *freqHz
		}
		if freqRange != nil {
			c.FrequencyRange = *freqRange
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChallenge updates the definition fields of a challenge. Scheduling
// state (status, assignment, timestamps) is owned by the scheduler paths.
func (s *Store) UpdateChallenge(ctx context.Context, c *types.Challenge) error {
	payload, freqHz, freqRange := challengeArgs(c)
	tag, err := s.pool.Exec(ctx, `
		UPDATE challenges
		SET name = $2, modulation = $3, payload = $4, frequency_hz = $5, frequency_range = $6,
		    enabled = $7, min_delay_seconds = $8, max_delay_seconds = $9, priority = $10,
		    updated_at = NOW()
		WHERE id = $1
	`,
		c.ID, c.Name, c.Modulation, payload, freqHz, freqRange,
		c.Enabled, c.MinDelaySeconds, c.MaxDelaySeconds, c.Priority,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteChallenge removes a challenge and its transmission history.
func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// =============================================================================
// FREQUENCY RANGES
// =============================================================================

// CreateFrequencyRange inserts a named frequency range.
func (s *Store) CreateFrequencyRange(ctx context.Context, r *types.FrequencyRange) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO frequency_ranges (name, low_hz, high_hz) VALUES ($1, $2, $3)
	`, r.Name, r.LowHz, r.HighHz)
	return err
}

// GetFrequencyRange retrieves a range by name.
func (s *Store) GetFrequencyRange(ctx context.Context, name string) (*types.FrequencyRange, error) {
	var r types.FrequencyRange
	err := s.pool.QueryRow(ctx, `
		SELECT name, low_hz, high_hz FROM frequency_ranges WHERE name = $1
	`, name).Scan(&r.Name, &r.LowHz, &r.HighHz)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListFrequencyRanges returns all named ranges.
func (s *Store) ListFrequencyRanges(ctx context.Context) ([]types.FrequencyRange, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, low_hz, high_hz FROM frequency_ranges ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FrequencyRange
	for rows.Next() {
		var r types.FrequencyRange
		if err := rows.Scan(&r.Name, &r.LowHz, &r.HighHz); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteFrequencyRange removes a range. Fails if challenges still reference it.
func (s *Store) DeleteFrequencyRange(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM frequency_ranges WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// =============================================================================
// SCHEDULING
// =============================================================================

// ResolveFunc picks a concrete frequency and transmit device for a candidate
// challenge. rng is the challenge's named range, nil for fixed-frequency
// challenges. Returning ok=false skips the candidate.
type ResolveFunc func(c *types.Challenge, rng *types.FrequencyRange) (freqHz int64, deviceID string, ok bool)

// ReviveWaitingChallenges moves waiting challenges whose delay window has
// elapsed back to queued. Returns the number of revived challenges.
func (s *Store) ReviveWaitingChallenges(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE challenges
		SET status = 'queued', next_eligible_at = NULL, updated_at = NOW()
		WHERE status = 'waiting' AND next_eligible_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AcquireNextChallenge atomically assigns the best eligible challenge to a
// runner and records a pending transmission for it.
//
// The whole operation runs in one transaction: expired delay windows are
// revived, then queued enabled challenges are scanned in priority order
// (highest priority first, least recently attempted first) with row locks
// taken via SKIP LOCKED so concurrent runners never race for the same row.
// The resolve callback rejects candidates the runner's devices cannot tune.
//
// Returns (nil, nil, nil) when no eligible challenge exists.
func (s *Store) AcquireNextChallenge(ctx context.Context, runnerID string, now time.Time, resolve ResolveFunc) (*types.Challenge, *types.Transmission, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE challenges
		SET status = 'queued', next_eligible_at = NULL, updated_at = NOW()
		WHERE status = 'waiting' AND next_eligible_at <= $1
	`, now)
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT c.id, c.name, c.modulation, c.payload, c.frequency_hz, c.frequency_range, c.enabled,
			c.min_delay_seconds, c.max_delay_seconds, c.priority, c.status, c.assigned_to,
			c.last_attempted_at, c.next_eligible_at, c.created_at, c.updated_at,
			r.low_hz, r.high_hz
		FROM challenges c
		LEFT JOIN frequency_ranges r ON c.frequency_range = r.name
		WHERE c.status = 'queued' AND c.enabled = TRUE
		ORDER BY c.priority DESC, c.last_attempted_at ASC NULLS FIRST
		FOR UPDATE OF c SKIP LOCKED
	`)
	if err != nil {
		return nil, nil, err
	}

	type candidate struct {
		challenge types.Challenge
		rng       *types.FrequencyRange
	}
	var candidates []candidate
	for rows.Next() {
		var c types.Challenge
		var freqHz, lowHz, highHz *int64
		var freqRange *string
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Modulation, &c.Payload, &freqHz, &freqRange, &c.Enabled,
			&c.MinDelaySeconds, &c.MaxDelaySeconds, &c.Priority, &c.Status, &c.AssignedTo,
			&c.LastAttemptedAt, &c.NextEligibleAt, &c.CreatedAt, &c.UpdatedAt,
			&lowHz, &highHz,
		); err != nil {
			rows.Close()
			return nil, nil, err
		}
		if freqHz != nil {
			c.FrequencyHz = *freqHz
		}
		cand := candidate{challenge: c}
		if freqRange != nil {
			c.FrequencyRange = *freqRange
			cand.challenge.FrequencyRange = *freqRange
			if lowHz != nil && highHz != nil {
				cand.rng = &types.FrequencyRange{Name: *freqRange, LowHz: *lowHz, HighHz: *highHz}
			}
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	for i := range candidates {
		c := &candidates[i].challenge
		freqHz, deviceID, ok := resolve(c, candidates[i].rng)
		if !ok {
			continue
		}

		tm := &types.Transmission{
			ChallengeID: c.ID,
			RunnerID:    runnerID,
			FrequencyHz: freqHz,
			DeviceID:    deviceID,
			Outcome:     types.OutcomePending,
			CreatedAt:   now,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO transmissions (id, challenge_id, runner_id, frequency_hz, device_id, outcome, created_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, 'pending', $5)
			RETURNING id
		`, c.ID, runnerID, freqHz, deviceID, now).Scan(&tm.ID)
		if err != nil {
			return nil, nil, err
		}

		_, err = tx.Exec(ctx, `
			UPDATE challenges
			SET status = 'assigned', assigned_to = $2, last_attempted_at = $3, updated_at = NOW()
			WHERE id = $1
		`, c.ID, runnerID, now)
		if err != nil {
			return nil, nil, err
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, nil, err
		}

		c.Status = types.ChallengeAssigned
		c.AssignedTo = &runnerID
		c.LastAttemptedAt = &now
		return c, tm, nil
	}

	return nil, nil, tx.Commit(ctx)
}

// DelayFunc draws the inter-transmission delay for a successfully
// completed challenge.
type DelayFunc func(c *types.Challenge) time.Duration

// CompleteTransmission finalizes a pending transmission and transitions its
// challenge out of the assigned state, all in one transaction. On success
// the challenge moves to waiting with a delay drawn by drawDelay; on
// failure it is requeued immediately. A second completion report for the
// same transmission returns ErrConflict.
func (s *Store) CompleteTransmission(ctx context.Context, transmissionID, runnerID string, success bool, errMsg string, drawDelay DelayFunc) (*types.Transmission, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var tm types.Transmission
	err = tx.QueryRow(ctx, `
		SELECT id, challenge_id, runner_id, frequency_hz, device_id, started_at, ended_at, outcome, error, created_at
		FROM transmissions WHERE id = $1 FOR UPDATE
	`, transmissionID).Scan(
		&tm.ID, &tm.ChallengeID, &tm.RunnerID, &tm.FrequencyHz, &tm.DeviceID,
		&tm.StartedAt, &tm.EndedAt, &tm.Outcome, &tm.Error, &tm.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tm.RunnerID != runnerID {
		return nil, types.ErrUnauthorized
	}
	if tm.Outcome != types.OutcomePending {
		return nil, types.ErrConflict
	}

	outcome := types.OutcomeFailed
	if success {
		outcome = types.OutcomeSuccess
	}
	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE transmissions SET outcome = $2, error = $3, ended_at = $4 WHERE id = $1
	`, transmissionID, outcome, errMsg, now)
	if err != nil {
		return nil, err
	}

	if success {
		challenge, err := scanChallenge(tx.QueryRow(ctx, `
			SELECT `+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE
		`, tm.ChallengeID))
		if err != nil {
			return nil, err
		}
		if challenge != nil {
			nextEligible := now.Add(drawDelay(challenge))
			_, err = tx.Exec(ctx, `
				UPDATE challenges
				SET status = 'waiting', assigned_to = NULL, next_eligible_at = $2, updated_at = NOW()
				WHERE id = $1 AND status = 'assigned'
			`, tm.ChallengeID, nextEligible)
			if err != nil {
				return nil, err
			}
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE challenges
			SET status = 'queued', assigned_to = NULL, next_eligible_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'assigned'
		`, tm.ChallengeID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	tm.Outcome = outcome
	tm.Error = errMsg
	tm.EndedAt = &now
	return &tm, nil
}

// ReleaseChallengesForRunner requeues every challenge assigned to a runner
// and fails its pending transmissions. Used when a runner goes offline or is
// kicked. Returns the IDs of transmissions that were failed.
func (s *Store) ReleaseChallengesForRunner(ctx context.Context, runnerID, reason string) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE transmissions SET outcome = 'failed', error = $2, ended_at = NOW()
		WHERE runner_id = $1 AND outcome = 'pending'
		RETURNING id
	`, runnerID, reason)
	if err != nil {
		return nil, err
	}
	var txIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		txIDs = append(txIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	_, err = tx.Exec(ctx, `
		UPDATE challenges
		SET status = 'queued', assigned_to = NULL, updated_at = NOW()
		WHERE assigned_to = $1 AND status = 'assigned'
	`, runnerID)
	if err != nil {
		return nil, err
	}

	return txIDs, tx.Commit(ctx)
}
