package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/tripplan/tripsync/tripsync"
)

// the counter and the log entry are written together, so the log never has a hole
// for a counter that was handed out
var sequenceScript = redis.NewScript(`
local counter = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], counter, counter .. ':' .. ARGV[1])
return counter
`)

type RedisSequencerSettings struct {
	KeyPrefix string
	// the folded snapshot is stored and the log trimmed once this many entries follow the stored snapshot
	CompactThreshold     int
	SubscriberBufferSize int
}

func DefaultRedisSequencerSettings() *RedisSequencerSettings {
	return &RedisSequencerSettings{
		KeyPrefix:            "tripsync",
		CompactThreshold:     256,
		SubscriberBufferSize: 64,
	}
}

// RedisSequencer shares the counter order across relay processes.
//
// Keys per trip plan:
//   - `{prefix}:{id}:counter` the last assigned counter
//   - `{prefix}:{id}:log` sorted set of outbound envelopes scored by counter
//   - `{prefix}:{id}:snapshot` the last compacted snapshot
//   - `{prefix}:{id}` pub/sub channel of sequenced envelopes
type RedisSequencer struct {
	client   redis.UniversalClient
	settings *RedisSequencerSettings
}

func NewRedisSequencerWithDefaults(client redis.UniversalClient) *RedisSequencer {
	return NewRedisSequencer(client, DefaultRedisSequencerSettings())
}

func NewRedisSequencer(client redis.UniversalClient, settings *RedisSequencerSettings) *RedisSequencer {
	return &RedisSequencer{
		client:   client,
		settings: settings,
	}
}

// the braces keep all keys of a trip plan in one cluster slot
func (self *RedisSequencer) channel(tripPlanId string) string {
	return fmt.Sprintf("%s:{%s}", self.settings.KeyPrefix, tripPlanId)
}

func (self *RedisSequencer) counterKey(tripPlanId string) string {
	return self.channel(tripPlanId) + ":counter"
}

func (self *RedisSequencer) logKey(tripPlanId string) string {
	return self.channel(tripPlanId) + ":log"
}

func (self *RedisSequencer) snapshotKey(tripPlanId string) string {
	return self.channel(tripPlanId) + ":snapshot"
}

func (self *RedisSequencer) Sequence(ctx context.Context, envelope *tripsync.Envelope) (*tripsync.Envelope, error) {
	outbound, err := tripsync.EncodeOutbound(envelope)
	if err != nil {
		return nil, err
	}
	counter, err := sequenceScript.Run(
		ctx,
		self.client,
		[]string{self.counterKey(envelope.TripPlanId), self.logKey(envelope.TripPlanId)},
		string(outbound),
	).Uint64()
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", envelope.TripPlanId, err)
	}

	sequenced := sequencedCopy(envelope, counter)
	b, err := tripsync.EncodeEnvelope(sequenced)
	if err != nil {
		return nil, err
	}
	// a failed publish leaves a gap that subscribers recover from with a snapshot
	if err := self.client.Publish(ctx, self.channel(envelope.TripPlanId), b).Err(); err != nil {
		glog.Infof("[seq]%s publish %d error = %s\n", envelope.TripPlanId, counter, err)
	}
	return sequenced, nil
}

func (self *RedisSequencer) Snapshot(ctx context.Context, tripPlanId string) (*tripsync.Snapshot, error) {
	snapshot, err := self.storedSnapshot(ctx, tripPlanId)
	if err != nil {
		return nil, err
	}
	storedCounter := snapshot.Counter

	entries, err := self.client.ZRangeByScoreWithScores(ctx, self.logKey(tripPlanId), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", snapshot.Counter),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", tripPlanId, err)
	}

	folded := 0
	for _, entry := range entries {
		envelope, err := parseLogEntry(tripPlanId, entry)
		if err != nil {
			return nil, err
		}
		if envelope.Counter != snapshot.Counter+1 {
			break
		}
		foldEnvelope(snapshot.Document, snapshot.Members, envelope)
		snapshot.Counter = envelope.Counter
		folded += 1
	}

	if 0 < self.settings.CompactThreshold && self.settings.CompactThreshold <= folded {
		if err := self.compact(ctx, snapshot, storedCounter); err != nil {
			glog.Infof("[seq]%s compact error = %s\n", tripPlanId, err)
		}
	}
	return snapshot, nil
}

func (self *RedisSequencer) storedSnapshot(ctx context.Context, tripPlanId string) (*tripsync.Snapshot, error) {
	b, err := self.client.Get(ctx, self.snapshotKey(tripPlanId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &tripsync.Snapshot{
			TripPlanId: tripPlanId,
			Document:   tripsync.NewDocument(),
			Members:    map[string]string{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", tripPlanId, err)
	}
	return tripsync.DecodeSnapshot(b)
}

// compact stores the folded snapshot and trims the log it covers.
// Only one writer wins when relays compact concurrently.
func (self *RedisSequencer) compact(ctx context.Context, snapshot *tripsync.Snapshot, storedCounter uint64) error {
	b, err := tripsync.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	snapshotKey := self.snapshotKey(snapshot.TripPlanId)
	err = self.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, snapshotKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			currentSnapshot, err := tripsync.DecodeSnapshot(current)
			if err != nil {
				return err
			}
			if currentSnapshot.Counter != storedCounter {
				// another relay compacted first
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey, b, 0)
			pipe.ZRemRangeByScore(ctx, self.logKey(snapshot.TripPlanId), "-inf", strconv.FormatUint(snapshot.Counter, 10))
			return nil
		})
		return err
	}, snapshotKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (self *RedisSequencer) Subscribe(ctx context.Context, tripPlanId string) (<-chan *tripsync.Envelope, error) {
	pubsub := self.client.Subscribe(ctx, self.channel(tripPlanId))
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", tripPlanId, err)
	}

	subscriber := make(chan *tripsync.Envelope, self.settings.SubscriberBufferSize)
	go func() {
		defer func() {
			pubsub.Close()
			close(subscriber)
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				envelope, err := tripsync.DecodeEnvelope([]byte(message.Payload))
				if err != nil {
					glog.Infof("[seq]%s drop = %s\n", tripPlanId, err)
					continue
				}
				select {
				case subscriber <- envelope:
				default:
					glog.Infof("[seq]%s subscriber full at %d, close\n", tripPlanId, envelope.Counter)
					return
				}
			}
		}
	}()
	return subscriber, nil
}

// log entries are `{counter}:{outbound envelope}`
func parseLogEntry(tripPlanId string, entry redis.Z) (*tripsync.Envelope, error) {
	member, ok := entry.Member.(string)
	if !ok {
		return nil, fmt.Errorf("snapshot %s: log entry is %T", tripPlanId, entry.Member)
	}
	counterStr, outbound, ok := strings.Cut(member, ":")
	if !ok {
		return nil, fmt.Errorf("snapshot %s: malformed log entry", tripPlanId)
	}
	counter, err := strconv.ParseUint(counterStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: malformed log counter: %w", tripPlanId, err)
	}
	envelope, err := tripsync.DecodeEnvelope([]byte(outbound))
	if err != nil {
		return nil, err
	}
	envelope.Counter = counter
	return envelope, nil
}

var _ Sequencer = (*RedisSequencer)(nil)
