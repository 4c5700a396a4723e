package gateway

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// roomEnvelope is the cross-instance broadcast format on room:instrument:<n>.
// The origin instance is carried so subscribers can skip their own publishes;
// local delivery never takes the pub/sub round trip.
type roomEnvelope struct {
	Instance string          `json:"instance"`
	Token    int32           `json:"token"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Rooms is the per-process room table. One room per instrument token; a KV
// subscription per live room relays broadcasts from other instances.
type Rooms struct {
	kv        kv.Store
	instance  string
	byteLimit int64

	mu      sync.RWMutex
	rooms   map[int32]map[*Session]struct{}
	cancels map[int32]func()
}

func NewRooms(store kv.Store, instance string, byteLimit int64) *Rooms {
	return &Rooms{
		kv:        store,
		instance:  instance,
		byteLimit: byteLimit,
		rooms:     make(map[int32]map[*Session]struct{}),
		cancels:   make(map[int32]func()),
	}
}

// Join adds the session to the token's room, materializing the room and its
// cross-instance relay on first member.
func (r *Rooms) Join(token int32, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[token]
	if !ok {
		room = make(map[*Session]struct{})
		r.rooms[token] = room
		if r.kv != nil {
			r.cancels[token] = r.kv.Subscribe(kv.ChannelRoom(token), r.relay)
		}
	}
	room[s] = struct{}{}
}

// Leave removes the session; the last member tears the room down.
func (r *Rooms) Leave(token int32, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(token, s)
}

// LeaveAll removes the session from every room it joined.
func (r *Rooms) LeaveAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, room := range r.rooms {
		if _, ok := room[s]; ok {
			r.leaveLocked(token, s)
		}
	}
}

func (r *Rooms) leaveLocked(token int32, s *Session) {
	room, ok := r.rooms[token]
	if !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(r.rooms, token)
		if cancel, ok := r.cancels[token]; ok {
			cancel()
			delete(r.cancels, token)
		}
	}
}

// Members reports the local population of a room.
func (r *Rooms) Members(token int32) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[token])
}

// RoomCount reports how many rooms currently exist on this instance.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast delivers pre-encoded frames to every local member of the room and
// publishes the event for rooms on other instances. Returns how many local
// sessions were dropped to.
func (r *Rooms) Broadcast(token int32, event string, data json.RawMessage, raw, framed []byte) int {
	now := time.Now()
	delivered := 0
	r.mu.RLock()
	members := make([]*Session, 0, len(r.rooms[token]))
	for s := range r.rooms[token] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	for _, s := range members {
		payload := raw
		if s.framed {
			payload = framed
		}
		if s.EnqueueTick(payload, r.byteLimit, now) {
			delivered++
		}
	}

	if r.kv != nil {
		envelope, err := json.Marshal(roomEnvelope{
			Instance: r.instance,
			Token:    token,
			Event:    event,
			Data:     data,
		})
		if err != nil {
			observability.Log().Warn("room envelope marshal failed",
				observability.F("token", token),
				observability.F("error", err.Error()))
			return delivered
		}
		r.kv.Publish(kv.ChannelRoom(token), string(envelope))
	}
	return delivered
}

// relay handles a cross-instance broadcast: decode, drop own publishes,
// deliver locally without republishing.
func (r *Rooms) relay(payload string) {
	var envelope roomEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		observability.Log().Warn("room envelope decode failed",
			observability.F("error", err.Error()))
		return
	}
	if envelope.Instance == r.instance {
		return
	}
	raw, rawErr := encodeRawEvent(envelope.Event, envelope.Data)
	framed, framedErr := encodeFramedEvent(envelope.Event, envelope.Data)
	if rawErr != nil || framedErr != nil {
		return
	}

	now := time.Now()
	r.mu.RLock()
	members := make([]*Session, 0, len(r.rooms[envelope.Token]))
	for s := range r.rooms[envelope.Token] {
		members = append(members, s)
	}
	r.mu.RUnlock()
	for _, s := range members {
		frame := raw
		if s.framed {
			frame = framed
		}
		s.EnqueueTick(frame, r.byteLimit, now)
	}
}
