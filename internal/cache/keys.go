package cache

import "fmt"

// EpochKey holds the creation time of the first event ever stored.
func EpochKey() string {
	return "errwatch:epoch"
}

func RateLimitKey(appName string) string {
	return fmt.Sprintf("ratelimit:%s", appName)
}

// PendingNotificationsKey is the sorted set of groups awaiting a notification check.
func PendingNotificationsKey() string {
	return "notify:pending"
}
