package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
)

// RedisQuotaStore keeps balances in Redis and deducts with Lua scripts, so
// several API instances can share one ledger without a database round trip.
//
// Per user, all keys share the {user} hash tag, so every script touches one
// cluster slot:
//
//	sub        hash: plan_id, stripe_sub, quota_total, quota_used, starts_at, end_date, status
//	pkgs       sorted set of package ids scored by expiry (unix seconds)
//	pkgrem     hash of package id to remaining quota
//	txs        capped list of JSON transactions, newest first
//	session:ID marker of a fulfilled checkout session
//
// stripe_sub:ID maps a Stripe subscription to its user. It is written with a
// plain SET outside the scripts.
type RedisQuotaStore struct {
	client    goredis.Cmdable
	keyPrefix string
	txCap     int
}

var _ quota.Store = (*RedisQuotaStore)(nil)

type RedisOption func(*RedisQuotaStore)

// WithRedisKeyPrefix sets the key prefix (default "imagine:quota:").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisQuotaStore) { s.keyPrefix = prefix }
}

// WithTransactionCap bounds the per-user transaction list (default 1000).
func WithTransactionCap(n int) RedisOption {
	return func(s *RedisQuotaStore) { s.txCap = n }
}

func NewRedisQuotaStore(client goredis.Cmdable, opts ...RedisOption) *RedisQuotaStore {
	s := &RedisQuotaStore{
		client:    client,
		keyPrefix: "imagine:quota:",
		txCap:     1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisQuotaStore) userKey(userID, suffix string) string {
	return s.keyPrefix + "{" + userID + "}:" + suffix
}

func (s *RedisQuotaStore) sessionKey(userID, sessionID string) string {
	return s.userKey(userID, "session:"+sessionID)
}

func (s *RedisQuotaStore) stripeSubKey(stripeSubID string) string {
	return s.keyPrefix + "stripe_sub:" + stripeSubID
}

// Shared Lua prelude: computes sub_rem and pkg_rem for KEYS[1..3] at ARGV[1] = now.
const balanceLua = `
local now = tonumber(ARGV[1])
local sub_rem = 0
if redis.call("HGET", KEYS[1], "status") == "active" then
    local ends = tonumber(redis.call("HGET", KEYS[1], "end_date") or "0")
    if now < ends then
        local total = tonumber(redis.call("HGET", KEYS[1], "quota_total") or "0")
        local used = tonumber(redis.call("HGET", KEYS[1], "quota_used") or "0")
        sub_rem = math.max(total - used, 0)
    end
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], "(" .. now, "+inf")
local pkg_rem = 0
for _, id in ipairs(ids) do
    local rem = tonumber(redis.call("HGET", KEYS[3], id) or "0")
    if rem > 0 then
        pkg_rem = pkg_rem + rem
    end
end
`

// balanceScript returns {subscription, packages}.
// KEYS: sub, pkgs, pkgrem. ARGV: now.
var balanceScript = goredis.NewScript(balanceLua + `
return {sub_rem, pkg_rem}
`)

// deductScript returns {1, remaining} on success and {0, total} when short.
// KEYS: sub, pkgs, pkgrem, txs. ARGV: now, amount, tx json, tx cap.
var deductScript = goredis.NewScript(balanceLua + `
local amount = tonumber(ARGV[2])
local total = sub_rem + pkg_rem
if total < amount then
    return {0, total}
end

local left = amount
local take = math.min(sub_rem, left)
if take > 0 then
    redis.call("HINCRBY", KEYS[1], "quota_used", take)
    left = left - take
end
for _, id in ipairs(ids) do
    if left == 0 then
        break
    end
    local rem = tonumber(redis.call("HGET", KEYS[3], id) or "0")
    if rem > 0 then
        take = math.min(rem, left)
        redis.call("HINCRBY", KEYS[3], id, -take)
        left = left - take
    end
end

local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
for _, id in ipairs(expired) do
    redis.call("HDEL", KEYS[3], id)
end
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now)

redis.call("LPUSH", KEYS[4], ARGV[3])
redis.call("LTRIM", KEYS[4], 0, tonumber(ARGV[4]) - 1)
return {1, total - amount}
`)

// grantSubscriptionScript keeps quota_used when the same period is replayed.
// KEYS: sub. ARGV: user, plan, stripe sub id, total, starts, ends, status.
var grantSubscriptionScript = goredis.NewScript(`
local same = redis.call("HGET", KEYS[1], "starts_at") == ARGV[5]
    and redis.call("HGET", KEYS[1], "end_date") == ARGV[6]
    and redis.call("HGET", KEYS[1], "stripe_sub") == ARGV[3]
local used = "0"
if same then
    used = redis.call("HGET", KEYS[1], "quota_used") or "0"
end
redis.call("HSET", KEYS[1],
    "plan_id", ARGV[2], "stripe_sub", ARGV[3], "quota_total", ARGV[4], "quota_used", used,
    "starts_at", ARGV[5], "end_date", ARGV[6], "status", ARGV[7])
return 1
`)

// grantPackageScript returns 0 when the session was already fulfilled.
// KEYS: session, pkgs, pkgrem. ARGV: package id, amount, expires, user.
var grantPackageScript = goredis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[4], "NX") then
    return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
return 1
`)

func (s *RedisQuotaStore) CheckBalance(ctx context.Context, userID string) (model.QuotaBalance, error) {
	res, err := balanceScript.Run(ctx, s.client,
		[]string{s.userKey(userID, "sub"), s.userKey(userID, "pkgs"), s.userKey(userID, "pkgrem")},
		quota.Clock().Unix(),
	).Int64Slice()
	if err != nil {
		return model.QuotaBalance{}, fmt.Errorf("checking quota for user %s: %w", userID, err)
	}
	if len(res) != 2 {
		return model.QuotaBalance{}, fmt.Errorf("checking quota for user %s: unexpected reply %v", userID, res)
	}
	return model.NewQuotaBalance(int(res[0]), int(res[1])), nil
}

// redisTransaction is the stored form of a transaction.
type redisTransaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    int             `json:"amount"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *RedisQuotaStore) Deduct(ctx context.Context, userID string, amount int, meta model.TransactionMetadata) (quota.Deduction, error) {
	if amount <= 0 {
		return quota.Deduction{}, fmt.Errorf("%w: %d", quota.ErrInvalidAmount, amount)
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return quota.Deduction{}, fmt.Errorf("marshal %s metadata: %w", meta.Action(), err)
	}
	now := quota.Clock()
	tx := redisTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Action:    string(meta.Action()),
		Metadata:  rawMeta,
		CreatedAt: now.UTC(),
	}
	rawTx, err := json.Marshal(tx)
	if err != nil {
		return quota.Deduction{}, fmt.Errorf("marshal transaction: %w", err)
	}

	res, err := deductScript.Run(ctx, s.client,
		[]string{s.userKey(userID, "sub"), s.userKey(userID, "pkgs"), s.userKey(userID, "pkgrem"), s.userKey(userID, "txs")},
		now.Unix(), amount, rawTx, s.txCap,
	).Int64Slice()
	if err != nil {
		return quota.Deduction{}, fmt.Errorf("deducting %d quota for user %s: %w", amount, userID, err)
	}
	if len(res) != 2 {
		return quota.Deduction{}, fmt.Errorf("deducting quota for user %s: unexpected reply %v", userID, res)
	}
	if res[0] != 1 {
		return quota.Deduction{}, quota.ErrInsufficientQuota
	}
	return quota.Deduction{TransactionID: tx.ID, Deducted: amount, Remaining: int(res[1])}, nil
}

func (s *RedisQuotaStore) GrantSubscription(ctx context.Context, sub model.Subscription) error {
	stripeSub := ""
	if sub.StripeSubscriptionID != nil {
		stripeSub = *sub.StripeSubscriptionID
	}
	_, err := grantSubscriptionScript.Run(ctx, s.client,
		[]string{s.userKey(sub.UserID, "sub")},
		sub.UserID, sub.PlanID, stripeSub, sub.QuotaTotal,
		strconv.FormatInt(sub.StartsAt.Unix(), 10), strconv.FormatInt(sub.EndDate.Unix(), 10), sub.Status,
	).Result()
	if err != nil {
		return fmt.Errorf("granting subscription %s to user %s: %w", sub.PlanID, sub.UserID, err)
	}
	if stripeSub != "" {
		if err := s.client.Set(ctx, s.stripeSubKey(stripeSub), sub.UserID, 0).Err(); err != nil {
			return fmt.Errorf("indexing subscription %s for user %s: %w", stripeSub, sub.UserID, err)
		}
	}
	return nil
}

func (s *RedisQuotaStore) CancelSubscription(ctx context.Context, stripeSubscriptionID string) error {
	userID, err := s.client.Get(ctx, s.stripeSubKey(stripeSubscriptionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up subscription %s: %w", stripeSubscriptionID, err)
	}
	key := s.userKey(userID, "sub")
	current, err := s.client.HGet(ctx, key, "stripe_sub").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("reading subscription for user %s: %w", userID, err)
	}
	if current != stripeSubscriptionID {
		return nil
	}
	if err := s.client.HSet(ctx, key, "status", "canceled").Err(); err != nil {
		return fmt.Errorf("canceling subscription %s: %w", stripeSubscriptionID, err)
	}
	return nil
}

func (s *RedisQuotaStore) GrantPackage(ctx context.Context, pkg model.QuotaPackage) error {
	if pkg.QuotaAmount <= 0 {
		return fmt.Errorf("%w: %d", quota.ErrInvalidAmount, pkg.QuotaAmount)
	}
	id := pkg.ID
	if id == "" {
		id = uuid.New().String()
	}
	session := pkg.StripeSessionID
	if session == "" {
		session = "manual:" + id
	}
	_, err := grantPackageScript.Run(ctx, s.client,
		[]string{s.sessionKey(pkg.UserID, session), s.userKey(pkg.UserID, "pkgs"), s.userKey(pkg.UserID, "pkgrem")},
		id, pkg.QuotaAmount, pkg.ExpiresAt.Unix(), pkg.UserID,
	).Result()
	if err != nil {
		return fmt.Errorf("granting package %s to user %s: %w", session, pkg.UserID, err)
	}
	return nil
}

func (s *RedisQuotaStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.QuotaTransaction, error) {
	if limit <= 0 || offset < 0 {
		return []model.QuotaTransaction{}, nil
	}
	raws, err := s.client.LRange(ctx, s.userKey(userID, "txs"), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing quota transactions for user %s: %w", userID, err)
	}
	txs := make([]model.QuotaTransaction, 0, len(raws))
	for _, raw := range raws {
		var rt redisTransaction
		if err := json.Unmarshal([]byte(raw), &rt); err != nil {
			return nil, fmt.Errorf("decoding stored transaction: %w", err)
		}
		meta, err := model.DecodeTransactionMetadata(model.ActionType(rt.Action), rt.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decoding transaction %s: %w", rt.ID, err)
		}
		txs = append(txs, model.QuotaTransaction{
			ID:        rt.ID,
			UserID:    rt.UserID,
			Amount:    rt.Amount,
			Action:    model.ActionType(rt.Action),
			Metadata:  meta,
			CreatedAt: rt.CreatedAt,
		})
	}
	return txs, nil
}
