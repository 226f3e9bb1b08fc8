package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// RealtimeEventNoteVersion announces notes that gained a version through sync.
	RealtimeEventNoteVersion = "note-version"
	// RealtimeEventNoteRevert announces a note restored to an earlier version.
	RealtimeEventNoteRevert = "note-revert"
	realtimeEventHeartbeat  = "heartbeat"
	realtimeSourceBackend   = "revisions-api"
	defaultRealtimeBuffer   = 16
)

// RealtimeMessage is delivered to every stream the user has open. Versions maps a note
// identifier to the version number it reached.
type RealtimeMessage struct {
	UserID    string
	EventType string
	NoteIDs   []string
	Versions  map[string]int64
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to the open streams of one user. A stream whose
// buffer is full misses the message; Dropped counts those misses.
type RealtimeDispatcher struct {
	mu       sync.RWMutex
	streams  map[string]map[uint64]chan RealtimeMessage
	sequence atomic.Uint64
	dropped  atomic.Int64
	buffer   int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams: make(map[string]map[uint64]chan RealtimeMessage),
		buffer:  defaultRealtimeBuffer,
	}
}

// Subscribe opens a stream for the user. The stream is released when ctx ends or the
// returned cleanup runs, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.sequence.Add(1)
	stream := make(chan RealtimeMessage, d.buffer)

	d.mu.Lock()
	userStreams, ok := d.streams[userID]
	if !ok {
		userStreams = make(map[uint64]chan RealtimeMessage)
		d.streams[userID] = userStreams
	}
	userStreams[id] = stream
	d.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { d.release(userID, id) })
	}
	go func() {
		<-ctx.Done()
		release()
	}()
	return stream, release
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}

	d.mu.RLock()
	targets := make([]chan RealtimeMessage, 0, len(d.streams[message.UserID]))
	for _, stream := range d.streams[message.UserID] {
		targets = append(targets, stream)
	}
	d.mu.RUnlock()

	for _, stream := range targets {
		select {
		case stream <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the open streams of a user.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[userID])
}

// Dropped reports how many deliveries were skipped because a stream was full.
func (d *RealtimeDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) release(userID string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userStreams := d.streams[userID]
	delete(userStreams, id)
	if len(userStreams) == 0 {
		delete(d.streams, userID)
	}
}
