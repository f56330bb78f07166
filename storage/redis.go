package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/casekit/caseflow/types"
)

const (
	instancePrefix = "instance:"
	reservePrefix  = "reserve:"
	dispatchPrefix = "dispatch:"
	auditPrefix    = "audit:"
	approvalPrefix = "approval:"
	openApprovals  = "approvals:open"
)

// saveInstanceScript enforces the optimistic version compare-and-set
// server-side so concurrent writers of the same instance cannot race.
var saveInstanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  if tonumber(ARGV[2]) == 1 then
    redis.call('SET', KEYS[1], ARGV[1])
    return 1
  end
  return 0
end
local obj = cjson.decode(cur)
if tonumber(obj['version']) + 1 == tonumber(ARGV[2]) then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// reserveScript claims a correlation identifier, recording the claim
// time. A stale claim with no persisted instance is reclaimed so a
// crash between reserving and the first persist cannot wedge the
// identifier. KEYS[1] is the reservation, KEYS[2] the instance;
// ARGV[1] is now in milliseconds, ARGV[2] the reclaim window.
var reserveScript = redis.NewScript(`
local ts = redis.call('GET', KEYS[1])
if not ts then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
if redis.call('EXISTS', KEYS[2]) == 0 and tonumber(ARGV[1]) - tonumber(ts) > tonumber(ARGV[2]) then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// resolveApprovalScript transitions an opened approval to a resolved
// status and drops it from the open index, all server-side, so
// concurrent resolvers cannot both win. Returns {flag, json} where
// flag is -1 for missing, 0 for already resolved and 1 for applied.
var resolveApprovalScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {-1, ''}
end
local obj = cjson.decode(cur)
if obj['status'] ~= 'opened' then
  return {0, cur}
end
obj['status'] = ARGV[1]
if ARGV[2] ~= '' then
  obj['approver_id'] = ARGV[2]
end
obj['resolved_at'] = ARGV[3]
local data = cjson.encode(obj)
redis.call('SET', KEYS[1], data)
redis.call('SREM', KEYS[2], obj['id'])
return {1, data}
`)

// appendAuditScript assigns the next per-instance sequence number and
// appends the entry in one atomic step; the list length is the
// gap-free sequence.
var appendAuditScript = redis.NewScript(`
local entry = cjson.decode(ARGV[1])
local seq = redis.call('LLEN', KEYS[1]) + 1
entry['seq'] = seq
redis.call('RPUSH', KEYS[1], cjson.encode(entry))
return seq
`)

// RedisStore is a Redis-backed implementation of the Store interface.
type RedisStore struct {
	client       *redis.Client
	reclaimAfter time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a new RedisStore instance with configurable
// options, verifying connectivity before returning.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client, reclaimAfter: reservationReclaimAfter}, nil
}

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// Reserve atomically claims a correlation identifier.
func (s *RedisStore) Reserve(ctx context.Context, correlationID string) (Reservation, error) {
	return withContext(ctx, func() (Reservation, error) {
		fresh, err := reserveScript.Run(ctx, s.client,
			[]string{reservePrefix + correlationID, instancePrefix + correlationID},
			time.Now().UnixMilli(), s.reclaimAfter.Milliseconds()).Int()
		if err != nil {
			return Reservation{}, fmt.Errorf("failed to reserve %s: %v", correlationID, err)
		}
		if fresh == 1 {
			return Reservation{Status: ReservationFresh}, nil
		}

		inst, err := s.GetInstance(ctx, correlationID)
		if errors.Is(err, ErrInstanceNotFound) {
			return Reservation{Status: ReservationInProgress}, nil
		} else if err != nil {
			return Reservation{}, err
		}
		if out := inst.Outcome(); out != nil {
			return Reservation{Status: ReservationCompleted, Instance: &inst, Outcome: out}, nil
		}
		return Reservation{Status: ReservationInProgress, Instance: &inst}, nil
	})
}

// SaveInstance persists an instance under the server-side version CAS.
func (s *RedisStore) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %v", inst.CorrelationID, err)
		}
		ok, err := saveInstanceScript.Run(ctx, s.client,
			[]string{instancePrefix + inst.CorrelationID}, data, inst.Version).Int()
		if err != nil {
			return fmt.Errorf("failed to save instance %s: %v", inst.CorrelationID, err)
		}
		if ok != 1 {
			return fmt.Errorf("%w: id=%s version=%d", ErrVersionConflict, inst.CorrelationID, inst.Version)
		}
		return nil
	})
}

// GetInstance retrieves an instance by correlation identifier.
func (s *RedisStore) GetInstance(ctx context.Context, correlationID string) (types.WorkflowInstance, error) {
	return getJSON[types.WorkflowInstance](ctx, s.client, instancePrefix+correlationID, ErrInstanceNotFound)
}

// ListActive scans instance keys and returns non-terminal instances.
func (s *RedisStore) ListActive(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		keys, err := s.client.Keys(ctx, instancePrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance keys: %v", err)
		}

		var active []types.WorkflowInstance
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if !inst.State.Terminal() {
				active = append(active, inst)
			}
		}
		return active, nil
	})
}

// MarkDispatched atomically sets the dispatch marker via SETNX.
func (s *RedisStore) MarkDispatched(ctx context.Context, correlationID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		ok, err := s.client.SetNX(ctx, dispatchPrefix+correlationID, 1, 0).Result()
		if err != nil {
			return false, fmt.Errorf("failed to mark dispatch for %s: %v", correlationID, err)
		}
		return ok, nil
	})
}

// Dispatched reports whether the dispatch marker is set.
func (s *RedisStore) Dispatched(ctx context.Context, correlationID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.Exists(ctx, dispatchPrefix+correlationID).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check dispatch for %s: %v", correlationID, err)
		}
		return n > 0, nil
	})
}

// AppendAudit appends an audit entry, assigning the next sequence
// server-side.
func (s *RedisStore) AppendAudit(ctx context.Context, entry types.AuditEntry) (uint64, error) {
	return withContext(ctx, func() (uint64, error) {
		data, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal audit entry for %s: %v", entry.CorrelationID, err)
		}
		seq, err := appendAuditScript.Run(ctx, s.client,
			[]string{auditPrefix + entry.CorrelationID}, data).Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to append audit entry for %s: %v", entry.CorrelationID, err)
		}
		return uint64(seq), nil
	})
}

// ReadAudit returns an instance's audit trail ordered by sequence.
func (s *RedisStore) ReadAudit(ctx context.Context, correlationID string) ([]types.AuditEntry, error) {
	return withContext(ctx, func() ([]types.AuditEntry, error) {
		items, err := s.client.LRange(ctx, auditPrefix+correlationID, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit trail for %s: %v", correlationID, err)
		}

		entries := make([]types.AuditEntry, 0, len(items))
		for _, item := range items {
			var entry types.AuditEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit entry for %s: %v", correlationID, err)
			}
			entries = append(entries, entry)
		}
		return entries, nil
	})
}

// SaveApproval persists an approval request and maintains the open
// approvals index.
func (s *RedisStore) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal approval %s: %v", req.ID, err)
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, approvalPrefix+req.ID, data, 0)
		if req.Status == types.ApprovalOpened {
			pipe.SAdd(ctx, openApprovals, req.ID)
		} else {
			pipe.SRem(ctx, openApprovals, req.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save approval %s: %v", req.ID, err)
		}
		return nil
	})
}

// GetApproval retrieves an approval request by ID.
func (s *RedisStore) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getJSON[types.ApprovalRequest](ctx, s.client, approvalPrefix+id, ErrApprovalNotFound)
}

// ResolveApproval atomically transitions an opened approval request to
// a resolved status via a server-side script.
func (s *RedisStore) ResolveApproval(ctx context.Context, id string, status types.ApprovalStatus, approverID string, resolvedAt time.Time) (types.ApprovalRequest, bool, error) {
	select {
	case <-ctx.Done():
		return types.ApprovalRequest{}, false, ctx.Err()
	default:
	}

	res, err := resolveApprovalScript.Run(ctx, s.client,
		[]string{approvalPrefix + id, openApprovals},
		string(status), approverID, resolvedAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return types.ApprovalRequest{}, false, fmt.Errorf("failed to resolve approval %s: %v", id, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return types.ApprovalRequest{}, false, fmt.Errorf("unexpected reply resolving approval %s: %v", id, res)
	}
	flag, _ := parts[0].(int64)
	if flag == -1 {
		return types.ApprovalRequest{}, false, fmt.Errorf("%w: id=%s", ErrApprovalNotFound, id)
	}

	data, _ := parts[1].(string)
	var req types.ApprovalRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return types.ApprovalRequest{}, false, fmt.Errorf("failed to unmarshal approval %s: %v", id, err)
	}
	return req, flag == 1, nil
}

// ListOpenApprovals returns all approval requests still opened.
func (s *RedisStore) ListOpenApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		ids, err := s.client.SMembers(ctx, openApprovals).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list open approvals: %v", err)
		}

		open := make([]types.ApprovalRequest, 0, len(ids))
		for _, id := range ids {
			req, err := s.GetApproval(ctx, id)
			if errors.Is(err, ErrApprovalNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			open = append(open, req)
		}
		return open, nil
	})
}

// ClearTerminal removes terminal instances with their audit trail,
// reservation and dispatch marker, for use after the retention window
// elapses.
func (s *RedisStore) ClearTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, instancePrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan instance keys: %v", err)
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}

			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if inst.State.Terminal() {
				id := inst.CorrelationID
				pipe.Del(ctx, key, reservePrefix+id, dispatchPrefix+id, auditPrefix+id)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
