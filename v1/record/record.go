// Package record defines the values stored under a lock key: a single lease
// record for exclusive locks and a reader-set/writer pair for read/write
// locks. Expiry instants are clock-service epoch milliseconds.
package record

import (
	"fmt"
	"math"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/identity"
)

// Record is one lease. The JSON field names are the wire format.
type Record struct {
	Expires  int64  `json:"expires"`
	Mac      string `json:"mac"`
	PID      int64  `json:"pid"`
	ThreadID int64  `json:"threadId"`
	Count    int32  `json:"count"`
}

// New returns a record held once by id until expires.
func New(id identity.Identity, expires int64) Record {
	return Record{
		Expires:  expires,
		Mac:      id.HardwareAddr,
		PID:      id.PID,
		ThreadID: id.ThreadID,
		Count:    1,
	}
}

// Owner returns the identity recorded as holder.
func (r Record) Owner() identity.Identity {
	return identity.Identity{HardwareAddr: r.Mac, PID: r.PID, ThreadID: r.ThreadID}
}

// OwnedBy reports whether id holds r.
func (r Record) OwnedBy(id identity.Identity) bool {
	return r.Owner().Equal(id)
}

// Expired reports whether the lease has lapsed at server time now.
func (r Record) Expired(now int64) bool {
	return r.Expires < now
}

// Inc adds a reentrant hold.
func (r *Record) Inc() error {
	if r.Count == math.MaxInt32 {
		return dlockerrors.ErrHoldCountOverflow
	}
	r.Count++
	return nil
}

// Dec drops a reentrant hold.
func (r *Record) Dec() {
	r.Count--
}

func (r Record) String() string {
	return fmt.Sprintf("{owner=%s count=%d expires=%d}", r.Owner(), r.Count, r.Expires)
}

// ReadWrite is the value of a read/write lock key. At most one of ReadInfos
// and WriteInfo may be set.
type ReadWrite struct {
	ReadInfos []Record `json:"readInfos"`
	WriteInfo *Record  `json:"writeInfo"`
}

// Validate checks the readers-xor-writer invariant.
func (rw *ReadWrite) Validate() error {
	if len(rw.ReadInfos) > 0 && rw.WriteInfo != nil {
		return fmt.Errorf("%w: %d readers alongside writer %s", dlockerrors.ErrCorruption, len(rw.ReadInfos), rw.WriteInfo.Owner())
	}
	for i, r := range rw.ReadInfos {
		if r.Count < 1 {
			return fmt.Errorf("%w: reader %d has hold count %d", dlockerrors.ErrCorruption, i, r.Count)
		}
	}
	if rw.WriteInfo != nil && rw.WriteInfo.Count < 1 {
		return fmt.Errorf("%w: writer has hold count %d", dlockerrors.ErrCorruption, rw.WriteInfo.Count)
	}
	return nil
}

// Empty reports whether nobody holds the lock.
func (rw *ReadWrite) Empty() bool {
	return len(rw.ReadInfos) == 0 && rw.WriteInfo == nil
}

// WriteLive reports whether an unexpired writer lease is present.
func (rw *ReadWrite) WriteLive(now int64) bool {
	return rw.WriteInfo != nil && !rw.WriteInfo.Expired(now)
}

// LiveReaders counts unexpired reader leases.
func (rw *ReadWrite) LiveReaders(now int64) int {
	n := 0
	for _, r := range rw.ReadInfos {
		if !r.Expired(now) {
			n++
		}
	}
	return n
}

// ReaderIndex returns the position of id's reader entry or -1.
func (rw *ReadWrite) ReaderIndex(id identity.Identity) int {
	for i, r := range rw.ReadInfos {
		if r.OwnedBy(id) {
			return i
		}
	}
	return -1
}

// Prune drops every lease that has expired at now.
func (rw *ReadWrite) Prune(now int64) {
	live := rw.ReadInfos[:0]
	for _, r := range rw.ReadInfos {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		live = nil
	}
	rw.ReadInfos = live
	if rw.WriteInfo != nil && rw.WriteInfo.Expired(now) {
		rw.WriteInfo = nil
	}
}

// RemoveReader deletes the reader entry at i.
func (rw *ReadWrite) RemoveReader(i int) {
	rw.ReadInfos = append(rw.ReadInfos[:i], rw.ReadInfos[i+1:]...)
	if len(rw.ReadInfos) == 0 {
		rw.ReadInfos = nil
	}
}
