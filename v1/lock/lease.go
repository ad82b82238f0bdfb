package lock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lease is the value stored under a lock key: the owner token and the
// instant after which the lease may be taken over.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Encode renders the lease as "owner:expiresAtMillis".
func (l Lease) Encode() string {
	return l.Owner + ":" + strconv.FormatInt(l.ExpiresAt.UnixMilli(), 10)
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ParseLease decodes a value produced by Encode. The owner may itself
// contain colons; the expiry is taken after the last one.
func ParseLease(s string) (Lease, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Lease{}, fmt.Errorf("lock: malformed lease %q", s)
	}
	ms, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("lock: malformed lease expiry %q: %w", s, err)
	}
	return Lease{Owner: s[:i], ExpiresAt: time.UnixMilli(ms)}, nil
}
