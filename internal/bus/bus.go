// Package bus implements the Live Event Bus (spec.md §4.6): an
// in-process publish/subscribe layer fanning newCheck, uptimeUpdate,
// and systemStatus events out to subscriber sessions, with room
// membership, connection caps, chunked bulk sends, and idle eviction.
// Grounded on gregyjames-NanoStatus/sse.go's SSEBroadcaster, generalized
// from one implicit "everyone" room to per-endpoint rooms plus a global
// room, and from an unbounded client map to a capacity-checked one.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"watchtower/internal/model"
)

const (
	globalRoom = "global"

	bulkChunkSize  = 20
	bulkChunkPause = 100 * time.Millisecond

	bulkBroadcastDebounce = 500 * time.Millisecond
)

// ErrTooManyClients is returned by Subscribe once MAX_CLIENTS sessions
// are already open.
var ErrTooManyClients = errors.New("bus: too many concurrent clients")

// EventType names the four event kinds spec §4.6 defines.
type EventType string

const (
	EventUptimeUpdate EventType = "uptimeUpdate"
	EventNewCheck     EventType = "newCheck"
	EventSystemStatus EventType = "systemStatus"
	EventBulkUpdate   EventType = "bulkUpdate"
)

// Event is a self-contained message handed to a subscriber's Send
// channel. Payload is one of model.UptimeStatistics, NewCheckPayload,
// SystemStatusPayload, or []model.UptimeStatistics depending on Type.
type Event struct {
	Type    EventType
	Payload interface{}
}

// NewCheckPayload mirrors spec §4.6's raw newCheck broadcast shape,
// including the synthetic id distinct from the check's store-assigned
// UUID.
type NewCheckPayload struct {
	BroadcastID string
	Check       model.UptimeCheck
}

// SystemStatusPayload is an operational notice.
type SystemStatusPayload struct {
	Message string
	Type    string // info, warning, error
}

func newCheckBroadcastID(c model.UptimeCheck) string {
	return fmt.Sprintf("%s-%d", c.EndpointID, c.Timestamp.UnixMilli())
}

// Config parameterizes the bus's capacity controls.
type Config struct {
	MaxClients        int
	MaxRoomsPerClient int
	ClientTimeout     time.Duration
}

// DefaultConfig matches spec §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients:        100,
		MaxRoomsPerClient: 10,
		ClientTimeout:     5 * time.Minute,
	}
}

// Subscriber is one connected session. Callers receive on Send and must
// call the bus's Unsubscribe when the session ends.
type Subscriber struct {
	ID   string
	Send chan Event

	mu          sync.Mutex
	rooms       map[string]struct{}
	lastActive  time.Time
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Bus is the shared fan-out hub. One Bus instance serves the whole
// process.
type Bus struct {
	cfg Config

	mu    sync.RWMutex
	subs  map[string]*Subscriber
	rooms map[string]map[string]struct{} // room -> subscriber IDs

	stopSweep chan struct{}
	sweepOnce sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New constructs a Bus and starts its idle-eviction sweeper, which runs
// once per minute per spec §4.6.
func New(cfg Config) *Bus {
	b := &Bus{
		cfg:       cfg,
		subs:      make(map[string]*Subscriber),
		rooms:     make(map[string]map[string]struct{}),
		stopSweep: make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Subscribe opens a new session, joining the global room by default.
// It returns ErrTooManyClients once MaxClients sessions are already
// open.
func (b *Bus) Subscribe(id string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.cfg.MaxClients {
		return nil, ErrTooManyClients
	}

	sub := &Subscriber{
		ID:         id,
		Send:       make(chan Event, 256),
		rooms:      map[string]struct{}{globalRoom: {}},
		lastActive: time.Now(),
	}
	b.subs[id] = sub
	b.joinLocked(globalRoom, id)
	log.Info().Str("client_id", id).Int("total", len(b.subs)).Msg("[Bus] client connected")
	return sub, nil
}

// Unsubscribe removes a session and its room memberships. Pending sends
// are dropped by closing Send.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(id)
}

func (b *Bus) unsubscribeLocked(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	for room := range sub.rooms {
		if members, ok := b.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(b.rooms, room)
			}
		}
	}
	delete(b.subs, id)
	close(sub.Send)
	log.Info().Str("client_id", id).Int("total", len(b.subs)).Msg("[Bus] client disconnected")
}

// JoinEndpointRoom subscribes id to endpoint:{endpointID}, enforcing
// MaxRoomsPerClient. Returns false (and leaves membership unchanged) if
// the cap is already reached.
func (b *Bus) JoinEndpointRoom(id, endpointID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	if sub.roomCount() >= b.cfg.MaxRoomsPerClient {
		return false
	}
	b.joinLocked(endpointRoom(endpointID), id)
	return true
}

// LeaveEndpointRoom removes id's membership in endpoint:{endpointID}.
func (b *Bus) LeaveEndpointRoom(id, endpointID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(endpointRoom(endpointID), id)
}

func (b *Bus) joinLocked(room, id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.rooms[room] = struct{}{}
	sub.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.rooms[room] = members
	}
	members[id] = struct{}{}
}

func (b *Bus) leaveLocked(room, id string) {
	sub, ok := b.subs[id]
	if ok {
		sub.mu.Lock()
		delete(sub.rooms, room)
		sub.mu.Unlock()
	}
	if members, ok := b.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

func endpointRoom(endpointID string) string {
	return "endpoint:" + endpointID
}

// Touch records inbound activity from a session, resetting its idle
// timer.
func (b *Bus) Touch(id string) {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if ok {
		sub.touch()
	}
}

// PublishCheck emits newCheck then, immediately after, the caller's
// uptimeUpdate via PublishStatistics — spec §4.5/§5's ordering
// guarantee (check insert -> stats read -> newCheck -> uptimeUpdate) is
// enforced by the caller sequencing these two calls, not by the bus.
func (b *Bus) PublishCheck(check model.UptimeCheck) {
	ev := Event{
		Type: EventNewCheck,
		Payload: NewCheckPayload{
			BroadcastID: newCheckBroadcastID(check),
			Check:       check,
		},
	}
	b.fanOut(ev, endpointRoom(check.EndpointID.String()), globalRoom)
}

// PublishStatistics emits uptimeUpdate to both the endpoint room and
// global.
func (b *Bus) PublishStatistics(stats model.UptimeStatistics) {
	ev := Event{Type: EventUptimeUpdate, Payload: stats}
	b.fanOut(ev, endpointRoom(stats.EndpointID.String()), globalRoom)
}

// PublishSystemStatus emits a systemStatus notice to global only.
func (b *Bus) PublishSystemStatus(message, kind string) {
	ev := Event{Type: EventSystemStatus, Payload: SystemStatusPayload{Message: message, Type: kind}}
	b.fanOut(ev, globalRoom)
}

// fanOut delivers ev to the union of subscribers in rooms, at most
// once each. A full Send channel drops the message for that subscriber
// and logs a warning; it never blocks the publisher.
func (b *Bus) fanOut(ev Event, rooms ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, room := range rooms {
		for id := range b.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sub := b.subs[id]
			select {
			case sub.Send <- ev:
			default:
				log.Warn().Str("client_id", id).Str("event", string(ev.Type)).Msg("[Bus] send channel full, dropping event")
			}
		}
	}
}

// BulkUpdate answers a subscriber's requestFullUpdate by sending stats
// in chunks of bulkChunkSize, pausing bulkChunkPause between chunks, to
// the requesting subscriber only (spec §4.6).
func (b *Bus) BulkUpdate(id string, stats []model.UptimeStatistics) {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return
	}

	for i := 0; i < len(stats); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(stats) {
			end = len(stats)
		}
		chunk := append([]model.UptimeStatistics(nil), stats[i:end]...)
		select {
		case sub.Send <- Event{Type: EventBulkUpdate, Payload: chunk}:
		default:
			log.Warn().Str("client_id", id).Msg("[Bus] bulk update chunk dropped, send channel full")
			return
		}
		if end < len(stats) {
			time.Sleep(bulkChunkPause)
		}
	}
}

// sweepLoop evicts sessions idle for longer than ClientTimeout, once
// per minute.
func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepIdle()
		case <-b.stopSweep:
			return
		}
	}
}

func (b *Bus) sweepIdle() {
	cutoff := time.Now().Add(-b.cfg.ClientTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		sub.mu.Lock()
		idle := sub.lastActive.Before(cutoff)
		sub.mu.Unlock()
		if idle {
			b.unsubscribeLocked(id)
			log.Info().Str("client_id", id).Msg("[Bus] idle session evicted")
		}
	}
}

// Stop halts the idle sweeper. Safe to call once.
func (b *Bus) Stop() {
	b.sweepOnce.Do(func() { close(b.stopSweep) })
	b.debounceMu.Lock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceMu.Unlock()
}

// ScheduleBulkBroadcast coalesces rapid successive statistics changes
// into one bulkUpdate broadcast to every global-room subscriber,
// bulkBroadcastDebounce after the last change, mirroring
// gregyjames-NanoStatus/sse.go's broadcastStatsIfChanged debounce.
// snapshot is called when the timer fires, not at schedule time, so
// the broadcast always reflects the latest statistics. This is
// distinct from the deterministic per-probe uptimeUpdate PublishStatistics
// emits, which is never debounced.
func (b *Bus) ScheduleBulkBroadcast(snapshot func() []model.UptimeStatistics) {
	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = time.AfterFunc(bulkBroadcastDebounce, func() {
		b.broadcastBulk(snapshot())
	})
}

// broadcastBulk sends stats, chunked, to every subscriber currently in
// the global room.
func (b *Bus) broadcastBulk(stats []model.UptimeStatistics) {
	if len(stats) == 0 {
		return
	}
	b.mu.RLock()
	ids := make([]string, 0, len(b.rooms[globalRoom]))
	for id := range b.rooms[globalRoom] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.BulkUpdate(id, stats)
	}
}

// ClientCount returns the current number of connected sessions, mostly
// useful for tests and metrics.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
