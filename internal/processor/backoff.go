package processor

import "time"

// Escalating delays indexed by the attempt number that just failed.
var backoffTable = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
}

// Backoff maps a failed attempt number to the delay before its successor may
// fire. Strictly increasing: beyond the table the last delay keeps doubling.
func Backoff(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	if attemptNumber <= len(backoffTable) {
		return backoffTable[attemptNumber-1]
	}
	delay := backoffTable[len(backoffTable)-1]
	for i := len(backoffTable); i < attemptNumber; i++ {
		delay *= 2
	}
	return delay
}
