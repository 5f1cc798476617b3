package cache

import "fmt"

// ActiveQueuesKey is a set of queue ids that saw a mutation.
const ActiveQueuesKey = "queues:active"

func QueueInfoKey(queueID string) string {
	return "queue:info:" + queueID
}

func QueueStateKey(queueID string) string {
	return "queue:state:" + queueID
}

func NextClientKey(queueID string) string {
	return "queue:next_client:" + queueID
}

func QueueStatsKey(queueID, period string) string {
	return fmt.Sprintf("queue:stats:%s:%s", queueID, period)
}

func QueueServedTodayKey(queueID string) string {
	return fmt.Sprintf("queue:%s:served_today", queueID)
}

func QueueActiveCountKey(queueID string) string {
	return fmt.Sprintf("queue:%s:active_count", queueID)
}

func OperatorInfoKey(operatorID string) string {
	return "operator:info:" + operatorID
}

func OperatorStatsKey(operatorID, period string) string {
	return fmt.Sprintf("operator:stats:%s:%s", operatorID, period)
}

func ClientPositionsKey(clientID string) string {
	return "client:positions:" + clientID
}

func LastProcessedKey(channel string) string {
	return fmt.Sprintf("pubsub:%s:last_processed_id", channel)
}
