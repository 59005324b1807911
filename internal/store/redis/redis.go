package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vovakirdan/resultrelay/internal/store"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "resultrelay:"

// Layout:
//
//	{prefix}conn:{id}               hash  room_id, mode, owner, connected_at
//	{prefix}conns                   set   all live connection ids
//	{prefix}roommode:{room}:{mode}  set   connection ids for the pair
//
// Writes go through Lua scripts so the index sets never drift from the hashes.

// putScript writes a connection. Negative limits disable the corresponding check.
var putScript = goredis.NewScript(`
local connKey, allKey, idxKey = KEYS[1], KEYS[2], KEYS[3]
local id, room, mode, at = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local globalLimit, roomLimit, prefix, owner = tonumber(ARGV[5]), tonumber(ARGV[6]), ARGV[7], ARGV[8]

if globalLimit >= 0 then
  local total = redis.call('SCARD', allKey)
  if redis.call('SISMEMBER', allKey, id) == 1 then total = total - 1 end
  if total >= globalLimit then return 0 end
end
if roomLimit >= 0 then
  local n = redis.call('SCARD', idxKey)
  if redis.call('SISMEMBER', idxKey, id) == 1 then n = n - 1 end
  if n >= roomLimit then return 0 end
end

local prev = redis.call('HMGET', connKey, 'room_id', 'mode')
if prev[1] then
  redis.call('SREM', prefix .. 'roommode:' .. prev[1] .. ':' .. prev[2], id)
end
redis.call('HSET', connKey, 'room_id', room, 'mode', mode, 'owner', owner, 'connected_at', at)
redis.call('SADD', allKey, id)
redis.call('SADD', idxKey, id)
return 1
`)

var deleteScript = goredis.NewScript(`
local connKey, allKey = KEYS[1], KEYS[2]
local id, prefix = ARGV[1], ARGV[2]

local prev = redis.call('HMGET', connKey, 'room_id', 'mode')
if prev[1] then
  redis.call('SREM', prefix .. 'roommode:' .. prev[1] .. ':' .. prev[2], id)
end
redis.call('DEL', connKey)
redis.call('SREM', allKey, id)
return 1
`)

// Options configures the Redis connection.
type Options struct {
	Addr   string
	DB     int
	Prefix string
}

// RedisStore implements store.ConnectionStore on Redis.
type RedisStore struct {
	rdb    *goredis.Client
	prefix string
}

// New connects to redis and verifies connectivity.
func New(ctx context.Context, opts Options) (*RedisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewFromClient(rdb, opts.Prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *goredis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Client returns the underlying client, for components sharing the connection.
func (s *RedisStore) Client() *goredis.Client {
	return s.rdb
}

// Prefix returns the key namespace of the store.
func (s *RedisStore) Prefix() string {
	return s.prefix
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) connKey(id string) string { return s.prefix + "conn:" + id }
func (s *RedisStore) allKey() string           { return s.prefix + "conns" }
func (s *RedisStore) indexKey(roomID string, mode int) string {
	return s.prefix + "roommode:" + roomID + ":" + strconv.Itoa(mode)
}

// Put inserts or overwrites a connection by its ID.
func (s *RedisStore) Put(ctx context.Context, conn *store.Connection) error {
	if _, err := s.put(ctx, conn, -1, -1); err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// PutIfAdmissible inserts the connection only when both limits hold.
func (s *RedisStore) PutIfAdmissible(ctx context.Context, conn *store.Connection, limits store.Limits) (bool, error) {
	ok, err := s.put(ctx, conn, limits.Global, limits.Room)
	if err != nil {
		return false, fmt.Errorf("conditional insert connection: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) put(ctx context.Context, conn *store.Connection, globalLimit, roomLimit int) (bool, error) {
	connectedAt := conn.ConnectedAt.UTC()
	if conn.ConnectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}

	keys := []string{s.connKey(conn.ConnectionID), s.allKey(), s.indexKey(conn.RoomID, conn.Mode)}
	written, err := putScript.Run(ctx, s.rdb, keys,
		conn.ConnectionID, conn.RoomID, conn.Mode, connectedAt.Format(time.RFC3339Nano),
		globalLimit, roomLimit, s.prefix, conn.Owner,
	).Int()
	if err != nil {
		return false, err
	}
	if written == 0 {
		return false, nil
	}

	conn.ConnectedAt = connectedAt
	return true, nil
}

// Count returns the total number of live connections.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return int(n), nil
}

// QueryByRoomMode lists connections for a (room, mode) pair.
// Ids whose record vanished between the index read and the hash read are skipped.
func (s *RedisStore) QueryByRoomMode(ctx context.Context, roomID string, mode int) ([]*store.Connection, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey(roomID, mode)).Result()
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load connections: %w", err)
	}

	conns := make([]*store.Connection, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		conn, err := decode(ids[i], fields)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// Delete removes a connection. Absent IDs are ignored.
func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	keys := []string{s.connKey(connectionID), s.allKey()}
	if err := deleteScript.Run(ctx, s.rdb, keys, connectionID, s.prefix).Err(); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func decode(id string, fields map[string]string) (*store.Connection, error) {
	mode, err := strconv.Atoi(fields["mode"])
	if err != nil {
		return nil, fmt.Errorf("decode connection %s mode: %w", id, err)
	}
	conn := &store.Connection{
		ConnectionID: id,
		RoomID:       fields["room_id"],
		Mode:         mode,
		Owner:        fields["owner"],
	}
	if raw := fields["connected_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode connection %s connected_at: %w", id, err)
		}
		conn.ConnectedAt = at
	}
	return conn, nil
}
