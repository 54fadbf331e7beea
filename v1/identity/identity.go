// Package identity describes who holds a lock: the host, the process and the
// logical owner inside that process. Two identities denote the same holder
// only when all three parts match.
package identity

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Identity is the (host, process, owner) triple recorded with every lease.
type Identity struct {
	HardwareAddr string
	PID          int64
	ThreadID     int64
}

// Equal reports whether i and other identify the same holder.
func (i Identity) Equal(other Identity) bool {
	return i.HardwareAddr == other.HardwareAddr && i.PID == other.PID && i.ThreadID == other.ThreadID
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%d/%d", i.HardwareAddr, i.PID, i.ThreadID)
}

// Platform resolves the host and process part of an identity.
type Platform interface {
	HardwareAddr() string
	PID() int64
}

type system struct {
	once sync.Once
	mac  string
}

// System is the Platform backed by the local network interfaces and process.
var System Platform = &system{}

func (s *system) HardwareAddr() string {
	s.once.Do(func() {
		s.mac = lookupHardwareAddr()
	})
	return s.mac
}

func (s *system) PID() int64 { return int64(os.Getpid()) }

// lookupHardwareAddr returns the address of the first up, non-loopback
// interface, formatted as upper-case dash separated octets.
func lookupHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return FormatHardwareAddr(iface.HardwareAddr)
	}
	return ""
}

// FormatHardwareAddr renders addr as "AA-BB-CC-DD-EE-FF".
func FormatHardwareAddr(addr net.HardwareAddr) string {
	parts := make([]string, len(addr))
	for i, b := range addr {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, "-")
}

// Static is a fixed Platform, useful to simulate several hosts in one process.
type Static struct {
	Addr    string
	Process int64
}

func (s Static) HardwareAddr() string { return s.Addr }
func (s Static) PID() int64           { return s.Process }

// Owner is a logical lock holder within a process. Go has no addressable
// threads, so callers decide which goroutines act as one owner by sharing an
// Owner value.
type Owner struct {
	id int64
}

var ownerSeq atomic.Int64

// NewOwner allocates an owner distinct from every other owner in the process.
func NewOwner() Owner {
	return Owner{id: ownerSeq.Add(1)}
}

// ID returns the owner's numeric id.
func (o Owner) ID() int64 { return o.id }

// IsZero reports whether o was never allocated.
func (o Owner) IsZero() bool { return o.id == 0 }

type ownerKey struct{}

// WithOwner returns a context that acquires and releases locks as o.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner stored in ctx, if any.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(Owner)
	if !ok || o.IsZero() {
		return Owner{}, false
	}
	return o, true
}

// Current builds the identity of the caller. The owner carried by ctx wins
// over fallback.
func Current(ctx context.Context, p Platform, fallback Owner) Identity {
	if p == nil {
		p = System
	}
	o, ok := OwnerFrom(ctx)
	if !ok {
		o = fallback
	}
	return Identity{
		HardwareAddr: p.HardwareAddr(),
		PID:          p.PID(),
		ThreadID:     o.id,
	}
}
