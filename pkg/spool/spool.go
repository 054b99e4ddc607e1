// Package spool implements the offline publish queue: a persistent FIFO of
// outbound publish requests that the publisher loop drains, with a
// size cap and a purge for QoS 0 entries when the device drops offline.
package spool

import (
	"context"
	"errors"

	"github.com/fleetedge/mqttmanager/pkg/mqttwire"
)

// ErrFull is returned by AddMessage when the spool has reached its
// configured size cap.
var ErrFull = errors.New("spool: full")

// ErrNotFound is returned by GetMessageByID when the id is unknown — either
// it was never added, or it was already removed.
var ErrNotFound = errors.New("spool: not found")

// StorageType identifies which backing store a Spool uses.
type StorageType int

const (
	// Memory is a volatile, in-process backing store. Entries do not
	// survive a restart.
	Memory StorageType = iota
	// Disk is a BadgerDB-backed store. Entries survive a restart.
	Disk
)

func (s StorageType) String() string {
	switch s {
	case Memory:
		return "memory"
	case Disk:
		return "disk"
	default:
		return "unknown"
	}
}

// Config describes a spool's behavior, surfaced back to callers that need
// to know how the spool is configured (e.g. the facade deciding whether to
// drop QoS 0 publishes while offline and to purge QoS 0 entries on
// disconnect).
type Config struct {
	// KeepQoS0WhenOffline, if false, causes QoS 0 spooled entries to be
	// dropped (via PopAllQoS0) whenever the manager transitions offline.
	KeepQoS0WhenOffline bool

	// SpoolSizeInBytes caps the total payload size held by the spool.
	// AddMessage returns ErrFull once adding an entry would exceed it.
	// Zero means unbounded.
	SpoolSizeInBytes int64

	// StorageType records which backing store this spool uses.
	StorageType StorageType
}

// PublishRequest is a single outbound publish, as handed to the spool by
// the facade's Publish call.
type PublishRequest struct {
	Topic   string
	Payload []byte
	QoS     mqttwire.QoS
	Retain  bool
}

// Entry is a PublishRequest plus the spool bookkeeping around it: its
// monotonically increasing id (used as the FIFO handle) and how many times
// the publisher loop has already retried it.
type Entry struct {
	ID      uint64
	Request PublishRequest
	Retried uint32
}

// Spool is a persistent FIFO of outbound publish requests. AddMessage
// enqueues; PopID/AddID/RemoveMessageByID implement a classic
// pop-process-ack-or-requeue cycle so that a publish attempt that fails
// (connection lost, PUBACK timeout) can be put back at the head of the
// queue rather than lost or reordered behind newer entries.
type Spool interface {
	// AddMessage enqueues a publish request, returning its assigned Entry.
	// Returns ErrFull if the spool is at its size cap, or a context error
	// if ctx is done before the entry could be admitted.
	AddMessage(ctx context.Context, req PublishRequest) (Entry, error)

	// PopID blocks until an id is available to process, returning it. It
	// does not remove the id's entry — call RemoveMessageByID once the
	// publish has actually succeeded. Returns ctx.Err() if ctx is done
	// first.
	PopID(ctx context.Context) (uint64, error)

	// AddID re-enqueues an id at the head of the queue, ahead of
	// everything else. Used when a popped id's publish attempt failed and
	// should be retried before moving on to newer entries.
	AddID(id uint64)

	// GetMessageByID returns the entry for id, or ErrNotFound.
	GetMessageByID(id uint64) (Entry, error)

	// RemoveMessageByID permanently removes an entry, e.g. after a
	// successful publish.
	RemoveMessageByID(id uint64) error

	// IncrementRetry persists one more retry attempt against id's entry
	// and returns the updated Entry, so a retry count survives the entry
	// being re-fetched after a requeue (AddID) or a process restart.
	IncrementRetry(id uint64) (Entry, error)

	// PopAllQoS0 permanently removes every QoS 0 entry currently held by
	// the spool (whether queued or mid-retry) and returns how many were
	// removed. Called when the manager goes offline and the spool is
	// configured not to keep QoS 0 traffic across outages.
	PopAllQoS0() int

	// Config returns the spool's configuration.
	Config() Config

	// Close releases any resources held by the spool's backing store.
	Close() error
}
