package projection

import (
	"PerpCurve/internal/event"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Store keeps read models in Redis:
//
//	{prefix}:watermark            last projected sequence
//	{prefix}:balances             hash, account path -> balance
//	{prefix}:assets               set of asset ids
//	{prefix}:asset:{id}           JSON AssetSnapshot
//	{prefix}:responses:{address}  list of recent JSON responses, newest first
type Store struct {
	client       *redis.Client
	prefix       string
	maxResponses int64
}

// AssetSnapshot is the cached view of one curve asset.
type AssetSnapshot struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	State       string `json:"state"`
	Supply      int64  `json:"supply"`
	A           string `json:"a"`
	Price       string `json:"price"`
	TargetPrice string `json:"target_price,omitempty"`
	Feed        string `json:"feed,omitempty"`
	ClosesAt    int64  `json:"closes_at,omitempty"`
	Collected   int64  `json:"collected,omitempty"`
	Sequence    int64  `json:"as_of_sequence"`
}

// ErrNotFound is returned when a key has not been projected yet.
var ErrNotFound = errors.New("projection: not found")

func NewStore(client *redis.Client, prefix string, maxResponses int) *Store {
	if prefix == "" {
		prefix = "perpcurve"
	}
	if maxResponses <= 0 {
		maxResponses = 50
	}
	return &Store{client: client, prefix: prefix, maxResponses: int64(maxResponses)}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Apply projects one committed transition atomically, watermark included.
func (s *Store) Apply(ctx context.Context, out Output) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, j := range out.Journals {
			pipe.HIncrBy(ctx, s.key("balances"), j.DebitAccount, j.Amount)
			pipe.HIncrBy(ctx, s.key("balances"), j.CreditAccount, -j.Amount)
		}
		if out.Response != nil && out.Response.Sender != "" {
			data, err := json.Marshal(out.Response)
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			list := s.key("responses", out.Response.Sender)
			pipe.LPush(ctx, list, data)
			pipe.LTrim(ctx, list, 0, s.maxResponses-1)
		}
		pipe.Set(ctx, s.key("watermark"), out.Sequence, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply seq %d: %w", out.Sequence, err)
	}
	return nil
}

// PutAssets replaces the cached asset snapshots.
func (s *Store) PutAssets(ctx context.Context, assets []AssetSnapshot) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.putAssets(ctx, pipe, assets)
	})
	return err
}

func (s *Store) putAssets(ctx context.Context, pipe redis.Pipeliner, assets []AssetSnapshot) error {
	for _, a := range assets {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal asset %s: %w", a.ID, err)
		}
		pipe.Set(ctx, s.key("asset", a.ID), data, 0)
		pipe.SAdd(ctx, s.key("assets"), a.ID)
	}
	return nil
}

// Reset rebuilds the projection from a consistent copy of core state, as
// after recovery. Response history is kept.
func (s *Store) Reset(ctx context.Context, sequence int64, balances map[string]int64, assets []AssetSnapshot) error {
	ids, err := s.client.SMembers(ctx, s.key("assets")).Result()
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stale := []string{s.key("balances"), s.key("assets")}
		for _, id := range ids {
			stale = append(stale, s.key("asset", id))
		}
		pipe.Del(ctx, stale...)

		if len(balances) > 0 {
			fields := make(map[string]any, len(balances))
			for path, bal := range balances {
				fields[path] = bal
			}
			pipe.HSet(ctx, s.key("balances"), fields)
		}
		if err := s.putAssets(ctx, pipe, assets); err != nil {
			return err
		}
		pipe.Set(ctx, s.key("watermark"), sequence, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset projection: %w", err)
	}
	return nil
}

// Watermark returns the last projected sequence, 0 before the first event.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	seq, err := s.client.Get(ctx, s.key("watermark")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return seq, err
}

// Balances returns all projected custody balances by account path.
func (s *Store) Balances(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.key("balances")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for path, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", path, err)
		}
		out[path] = n
	}
	return out, nil
}

// Asset returns the cached snapshot of one asset.
func (s *Store) Asset(ctx context.Context, id string) (*AssetSnapshot, error) {
	data, err := s.client.Get(ctx, s.key("asset", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var a AssetSnapshot
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode asset %s: %w", id, err)
	}
	return &a, nil
}

// Assets returns all cached asset snapshots ordered by id.
func (s *Store) Assets(ctx context.Context) ([]AssetSnapshot, error) {
	ids, err := s.client.SMembers(ctx, s.key("assets")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]AssetSnapshot, 0, len(ids))
	for _, id := range ids {
		a, err := s.Asset(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// Responses returns up to limit recent responses for address, newest first.
func (s *Store) Responses(ctx context.Context, address string, limit int) ([]event.Response, error) {
	if limit <= 0 || int64(limit) > s.maxResponses {
		limit = int(s.maxResponses)
	}
	raw, err := s.client.LRange(ctx, s.key("responses", address), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]event.Response, 0, len(raw))
	for _, r := range raw {
		var resp event.Response
		if err := json.Unmarshal([]byte(r), &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
