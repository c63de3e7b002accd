package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// writeMarker is the mode part of an exclusively held lease token.
const writeMarker = "WRITE"

// LeaseToken is the parsed form of a lease record value. The wire format is
// "WRITE-<unix ms>" for an exclusive hold or "<N>-<unix ms>" for N
// concurrent shared holds.
type LeaseToken struct {
	Write   bool
	Readers int
	Stamp   int64 // unix ms of the last refresh
}

func NewWriteToken(now time.Time) LeaseToken {
	return LeaseToken{Write: true, Stamp: now.UnixMilli()}
}

func NewReadToken(readers int, now time.Time) LeaseToken {
	return LeaseToken{Readers: readers, Stamp: now.UnixMilli()}
}

func (t LeaseToken) String() string {
	if t.Write {
		return fmt.Sprintf("%s-%d", writeMarker, t.Stamp)
	}
	return fmt.Sprintf("%d-%d", t.Readers, t.Stamp)
}

// Refreshed returns the same token with a fresh timestamp.
func (t LeaseToken) Refreshed(now time.Time) LeaseToken {
	t.Stamp = now.UnixMilli()
	return t
}

// Expired reports whether the token's last refresh is older than idle.
func (t LeaseToken) Expired(now time.Time, idle time.Duration) bool {
	return now.UnixMilli()-t.Stamp > idle.Milliseconds()
}

// ParseLeaseToken parses the wire format. A malformed value yields an error
// and is treated by callers as an expired record.
func ParseLeaseToken(raw string) (LeaseToken, error) {
	i := strings.LastIndexByte(raw, '-')
	if i <= 0 || i == len(raw)-1 {
		return LeaseToken{}, fmt.Errorf("malformed lease token: %q", raw)
	}
	stamp, err := strconv.ParseInt(raw[i+1:], 10, 64)
	if err != nil {
		return LeaseToken{}, fmt.Errorf("malformed lease timestamp: %q", raw)
	}
	mode := raw[:i]
	if mode == writeMarker {
		return LeaseToken{Write: true, Stamp: stamp}, nil
	}
	readers, err := strconv.Atoi(mode)
	if err != nil || readers < 1 {
		return LeaseToken{}, fmt.Errorf("malformed lease mode: %q", raw)
	}
	return LeaseToken{Readers: readers, Stamp: stamp}, nil
}
