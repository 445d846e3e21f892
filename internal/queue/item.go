package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Key layout in the backing store.
const (
	PartitionsKey     = "notifications:partitions"
	CriticalPartition = "notifications:critical"
	OverflowPartition = "notifications:overflow"

	userPartitionPrefix = "notifications:user:"
	itemKeyPrefix       = "notifications:item:"
	cancelKeyPrefix     = "notifications:cancelled:"
)

// UserPartition is the per-recipient partition name.
func UserPartition(recipientID string) string {
	return userPartitionPrefix + recipientID
}

func itemKey(id string) string   { return itemKeyPrefix + id }
func cancelKey(id string) string { return cancelKeyPrefix + id }

// score orders members inside one partition. The critical partition is keyed
// on due time alone; elsewhere due time comes first and severity rank breaks
// ties, so four slots per millisecond are reserved.
func score(partition string, item domain.QueueItem) float64 {
	ms := item.ScheduledFor.UnixMilli()
	if partition == CriticalPartition {
		return float64(ms)
	}
	return float64(ms*4 + int64(item.Severity.Rank()))
}

// readyScore is the highest score that is due at now.
func readyScore(partition string, now time.Time) float64 {
	ms := now.UnixMilli()
	if partition == CriticalPartition {
		return float64(ms)
	}
	return float64(ms*4 + 3)
}

// scheduledAt recovers the due time encoded in a score.
func scheduledAt(partition string, s float64) time.Time {
	ms := int64(s)
	if partition != CriticalPartition {
		ms /= 4
	}
	return time.UnixMilli(ms)
}

func encode(item domain.QueueItem) ([]byte, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	return b, nil
}

func decode(b []byte) (domain.QueueItem, error) {
	var item domain.QueueItem
	if err := json.Unmarshal(b, &item); err != nil {
		return domain.QueueItem{}, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}
