package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// CallSchema creates the calls table. The partial unique index is what enforces
// one live call per conversation across service instances.
const CallSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id         UUID PRIMARY KEY,
	conversation_id UUID NOT NULL,
	caller_id       UUID NOT NULL,
	call_type       STRING NOT NULL,
	status          STRING NOT NULL,
	is_group        BOOL NOT NULL DEFAULT false,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	end_reason      STRING NOT NULL DEFAULT '',
	settings        JSONB NOT NULL,
	recording       JSONB NOT NULL,
	participants    JSONB NOT NULL,
	log             JSONB NOT NULL,
	version         INT8 NOT NULL DEFAULT 1,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	INVERTED INDEX calls_participants_idx (participants)
);
CREATE UNIQUE INDEX IF NOT EXISTS calls_one_live_per_conversation
	ON calls (conversation_id) WHERE status IN ('initiated', 'ringing', 'active');
`

const uniqueViolation = "23505"

const callColumns = `call_id, conversation_id, caller_id, call_type, status, is_group,
	started_at, ended_at, end_reason, settings, recording, participants, log, version, updated_at`

// CallRepository persists Call records as one row each. Participants, settings and
// the lifecycle log are JSONB columns so a transition and its log entry commit atomically.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Migrate applies CallSchema
func (r *CallRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, CallSchema); err != nil {
		return fmt.Errorf("failed to migrate calls schema: %w", err)
	}
	return nil
}

// Create inserts a new call. A second live call in the same conversation is a Conflict.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	docs, err := encodeDocs(call)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	if call.Version == 0 {
		call.Version = 1
	}
	_, err = r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		string(call.CallType),
		string(call.Status),
		call.IsGroup,
		call.StartedAt,
		call.EndedAt,
		call.EndReason,
		docs.settings,
		docs.recording,
		docs.participants,
		docs.log,
		call.Version,
		call.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ConflictError("conversation already has a live call")
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// Update writes call if its version still matches the stored one, then bumps call.Version.
func (r *CallRepository) Update(ctx context.Context, call *domain.Call) error {
	docs, err := encodeDocs(call)
	if err != nil {
		return err
	}

	query := `
		UPDATE calls
		SET status = $3,
		    ended_at = $4,
		    end_reason = $5,
		    settings = $6,
		    recording = $7,
		    participants = $8,
		    log = $9,
		    updated_at = $10,
		    version = version + 1
		WHERE call_id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.Version,
		string(call.Status),
		call.EndedAt,
		call.EndReason,
		docs.settings,
		docs.recording,
		docs.participants,
		docs.log,
		call.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ConflictError("conversation already has a live call")
		}
		return fmt.Errorf("failed to update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ConflictError("call was modified concurrently")
	}

	call.Version++
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Call")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// FindLiveByConversation returns the conversation's live call, or nil when there is none
func (r *CallRepository) FindLiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE conversation_id = $1 AND status IN ('initiated', 'ringing', 'active')
		LIMIT 1
	`

	call, err := scanCall(r.pool.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find live call: %w", err)
	}

	return call, nil
}

// FindByParticipant lists calls userID takes part in, newest first
func (r *CallRepository) FindByParticipant(ctx context.Context, userID uuid.UUID, liveOnly bool, limit, offset int) ([]*domain.Call, error) {
	filter, err := json.Marshal([]map[string]string{{"user_id": userID.String()}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode participant filter: %w", err)
	}

	var where strings.Builder
	where.WriteString("participants @> $1::JSONB")
	if liveOnly {
		where.WriteString(" AND status IN ('initiated', 'ringing', 'active')")
	}

	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE ` + where.String() + `
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, string(filter), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// ListLive returns every call still in a live status
func (r *CallRepository) ListLive(ctx context.Context) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE status IN ('initiated', 'ringing', 'active')
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list live calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

type callDocs struct {
	settings, recording, participants, log []byte
}

func encodeDocs(call *domain.Call) (*callDocs, error) {
	var (
		d   callDocs
		err error
	)
	if d.settings, err = json.Marshal(call.Settings); err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	if d.recording, err = json.Marshal(call.Recording); err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}
	if d.participants, err = json.Marshal(call.Participants); err != nil {
		return nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	if d.log, err = json.Marshal(call.Log); err != nil {
		return nil, fmt.Errorf("failed to encode call log: %w", err)
	}
	return &d, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		call                                 domain.Call
		callType, status                     string
		endedAt                              *time.Time
		settings, recording, participants, l []byte
	)

	err := row.Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&callType,
		&status,
		&call.IsGroup,
		&call.StartedAt,
		&endedAt,
		&call.EndReason,
		&settings,
		&recording,
		&participants,
		&l,
		&call.Version,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	call.EndedAt = endedAt

	if err := json.Unmarshal(settings, &call.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := json.Unmarshal(recording, &call.Recording); err != nil {
		return nil, fmt.Errorf("failed to decode recording: %w", err)
	}
	if err := json.Unmarshal(participants, &call.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	if err := json.Unmarshal(l, &call.Log); err != nil {
		return nil, fmt.Errorf("failed to decode call log: %w", err)
	}

	return &call, nil
}

func collectCalls(rows pgx.Rows) ([]*domain.Call, error) {
	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return calls, nil
}
