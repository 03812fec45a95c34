package ids

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Publishers stamp it onto every message as the AMQP message id.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ULIDTime returns the millisecond timestamp embedded in id, in UTC.
func ULIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse message id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}

var hostname = os.Hostname

// WorkerID builds a registry key for the n-th worker of this process.
// Keys embed the hostname so several worker processes can share a broker
// without colliding in logs and health reports.
func WorkerID(n int) string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, n)
}
