package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/actionplane/orchestrator/core"
)

// listKey is the single Redis list every record is RPushed onto, giving a
// strict write-order replay via LRange (spec §6: "read sequentially on
// startup"). core.RedisDBJournal isolates this list from every other
// component's keyspace.
const listKey = "records"

// RedisJournal persists records to a Redis list through core.RedisClient,
// grounded on the teacher's gomind/orchestration Redis task queue's
// LPUSH/BRPOP pattern but using RPush/LRange instead: the journal is an
// append-only replay log, not a work queue, so nothing ever pops from it.
type RedisJournal struct {
	client *core.RedisClient
}

// NewRedisJournal wraps an already-connected client (expected to be opened
// against core.RedisDBJournal).
func NewRedisJournal(client *core.RedisClient) *RedisJournal {
	return &RedisJournal{client: client}
}

// Append RPushes the JSON-encoded record onto the journal list.
func (j *RedisJournal) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encoding record %q: %w", rec.ID, err)
	}
	if err := j.client.RPush(context.Background(), listKey, line); err != nil {
		return fmt.Errorf("journal: RPush record %q: %w", rec.ID, err)
	}
	recordAppend(rec.Kind)
	return nil
}

// Replay pages through the list in write order via LRange, decoding and
// invoking fn for each record.
func (j *RedisJournal) Replay(fn func(Record) error) error {
	ctx := context.Background()

	const pageSize = int64(500)
	var start int64
	for {
		lines, err := j.client.LRange(ctx, listKey, start, start+pageSize-1)
		if err != nil {
			return fmt.Errorf("journal: LRange from %d: %w", start, err)
		}
		for _, line := range lines {
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("journal: decoding record during replay: %w", err)
			}
			recordReplay(rec.Kind)
			if err := fn(rec); err != nil {
				return err
			}
		}
		if int64(len(lines)) < pageSize {
			return nil
		}
		start += pageSize
	}
}

// Close releases the underlying Redis connection.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

var _ Journal = (*RedisJournal)(nil)
