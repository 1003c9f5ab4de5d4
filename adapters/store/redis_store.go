package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore
const DefaultRedisPrefix = "attendance:"

// createScript writes every field of a new session hash, or nothing when the key exists.
// ARGV holds field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// updateScript applies a partial update only when the session exists.
// ARGV[1]: is_active ("" leaves it), ARGV[2]: end_time ms ("" leaves it, "-" clears it),
// ARGV[3]: start_time ms ("" leaves it).
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
if ARGV[1] ~= '' then
	redis.call('HSET', KEYS[1], 'is_active', ARGV[1])
end
if ARGV[2] == '-' then
	redis.call('HDEL', KEYS[1], 'end_time')
elseif ARGV[2] ~= '' then
	redis.call('HSET', KEYS[1], 'end_time', ARGV[2])
end
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'start_time', ARGV[3])
end
return redis.call('HGETALL', KEYS[1])
`)

// activateScript is the atomic server-side activation procedure
var activateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'is_active', '1')
redis.call('HDEL', KEYS[1], 'end_time')
return tonumber(redis.call('HGET', KEYS[1], 'is_active'))
`)

// RedisStore is a Redis implementation of the StoreGateway interface.
// Sessions are hashes; attendance is one hash per session keyed by participant,
// so HSETNX gives the per-pair uniqueness.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: DefaultRedisPrefix,
	}
}

// WithPrefix returns a copy of the store writing under prefix
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{client: s.client, prefix: prefix}
}

var _ ports.StoreGateway = (*RedisStore)(nil)

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) attendanceKey(sessionID string) string {
	return s.prefix + "attendance:" + sessionID
}

// CreateSession stores a new session hash in one round trip
func (s *RedisStore) CreateSession(ctx context.Context, session core.Session) error {
	args := []interface{}{
		"id", session.ID,
		"issuer_id", session.IssuerID,
		"class_id", session.ClassID,
		"secret", session.Secret,
		"is_active", boolField(session.IsActive),
		"start_time", session.StartTime.UnixMilli(),
		"created_at", session.CreatedAt.UnixMilli(),
	}
	if session.EndTime != nil {
		args = append(args, "end_time", session.EndTime.UnixMilli())
	}

	created, err := createScript.Run(ctx, s.client, []string{s.sessionKey(session.ID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	return nil
}

// ReadSession loads a session hash
func (s *RedisStore) ReadSession(ctx context.Context, sessionID string) (core.Session, error) {
	values, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	if len(values) == 0 {
		return core.Session{}, core.ErrSessionNotFound
	}

	return sessionFromHash(values)
}

// UpdateSession applies a partial update atomically and returns the confirmed row
func (s *RedisStore) UpdateSession(ctx context.Context, sessionID string, update core.SessionUpdate) (core.Session, error) {
	activeArg := ""
	if update.IsActive != nil {
		activeArg = boolField(*update.IsActive)
	}

	endArg := ""
	switch {
	case update.EndTime != nil:
		endArg = strconv.FormatInt(update.EndTime.UnixMilli(), 10)
	case update.ClearEndTime:
		endArg = "-"
	}

	startArg := ""
	if update.StartTime != nil {
		startArg = strconv.FormatInt(update.StartTime.UnixMilli(), 10)
	}

	res, err := updateScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)}, activeArg, endArg, startArg).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Session{}, core.ErrSessionNotFound
		}
		return core.Session{}, fmt.Errorf("failed to update session: %w", err)
	}

	values := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		values[k] = v
	}

	return sessionFromHash(values)
}

// ActivateSession runs the activation script
func (s *RedisStore) ActivateSession(ctx context.Context, sessionID string) (bool, error) {
	n, err := activateScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to activate session: %w", err)
	}
	if n < 0 {
		return false, core.ErrSessionNotFound
	}
	return n == 1, nil
}

// InsertAttendance writes the record unless the participant is already present
func (s *RedisStore) InsertAttendance(ctx context.Context, record core.AttendanceRecord) error {
	payload, err := json.Marshal(storedRecordFrom(record))
	if err != nil {
		return fmt.Errorf("failed to marshal attendance: %w", err)
	}

	created, err := s.client.HSetNX(ctx, s.attendanceKey(record.SessionID), record.ParticipantID, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to insert attendance: %w", err)
	}
	if !created {
		return core.ErrAttendanceExists
	}

	return nil
}

// FindAttendance returns the record for a pair
func (s *RedisStore) FindAttendance(ctx context.Context, sessionID, participantID string) (core.AttendanceRecord, error) {
	val, err := s.client.HGet(ctx, s.attendanceKey(sessionID), participantID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.AttendanceRecord{}, core.ErrAttendanceNotFound
		}
		return core.AttendanceRecord{}, fmt.Errorf("failed to find attendance: %w", err)
	}

	var stored storedRecord
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return core.AttendanceRecord{}, fmt.Errorf("failed to unmarshal attendance: %w", err)
	}

	return stored.record(), nil
}

// ListAttendance returns every record of a session ordered by timestamp
func (s *RedisStore) ListAttendance(ctx context.Context, sessionID string) ([]core.AttendanceRecord, error) {
	vals, err := s.client.HVals(ctx, s.attendanceKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}

	records := make([]core.AttendanceRecord, 0, len(vals))
	for _, val := range vals {
		var stored storedRecord
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attendance: %w", err)
		}
		records = append(records, stored.record())
	}
	sortRecords(records)

	return records, nil
}

// storedRecord is the JSON value kept per participant
type storedRecord struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Timestamp     int64  `json:"timestamp"`
}

func storedRecordFrom(r core.AttendanceRecord) storedRecord {
	return storedRecord{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		Timestamp:     r.Timestamp.UnixMilli(),
	}
}

func (r storedRecord) record() core.AttendanceRecord {
	return core.AttendanceRecord{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		Timestamp:     time.UnixMilli(r.Timestamp),
	}
}

func sessionFromHash(values map[string]string) (core.Session, error) {
	id, ok := values["id"]
	if !ok {
		return core.Session{}, core.ErrSessionNotFound
	}

	session := core.Session{
		ID:       id,
		IssuerID: values["issuer_id"],
		ClassID:  values["class_id"],
		Secret:   values["secret"],
		IsActive: values["is_active"] == "1",
	}

	var err error
	if session.StartTime, err = msField(values, "start_time"); err != nil {
		return core.Session{}, err
	}
	if session.CreatedAt, err = msField(values, "created_at"); err != nil {
		return core.Session{}, err
	}
	if _, ok := values["end_time"]; ok {
		end, err := msField(values, "end_time")
		if err != nil {
			return core.Session{}, err
		}
		session.EndTime = &end
	}

	return session, nil
}

func msField(values map[string]string, name string) (time.Time, error) {
	raw, ok := values[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return time.UnixMilli(ms), nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
