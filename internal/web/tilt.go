package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hydrometer/internal/power"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface is only reachable on the device's own access point.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TiltSnapshot is the UI view of a sampler reading.
type TiltSnapshot struct {
	Tilt      float64 `json:"tilt"`
	Alpha     float64 `json:"alpha"`
	Gamma     float64 `json:"gamma"`
	Seq       uint64  `json:"seq"`
	AtUTC     string  `json:"at_utc,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

func snapshotOf(s power.Sample) TiltSnapshot {
	ts := TiltSnapshot{
		Tilt:      s.Tilt.Beta,
		Alpha:     s.Tilt.Alpha,
		Gamma:     s.Tilt.Gamma,
		Seq:       s.Seq,
		LastError: s.LastError,
	}
	if !s.At.IsZero() {
		ts.AtUTC = s.At.UTC().Format(time.RFC3339Nano)
	}
	return ts
}

// TiltBroadcaster fans sampler readings out to websocket listeners. It keeps
// the most recent value so new subscribers get an immediate sample.
type TiltBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan TiltSnapshot
	nextID   int
	last     TiltSnapshot
	haveLast bool
}

func NewTiltBroadcaster() *TiltBroadcaster {
	return &TiltBroadcaster{subs: make(map[int]chan TiltSnapshot)}
}

func (b *TiltBroadcaster) Subscribe(buffer int) (int, <-chan TiltSnapshot) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan TiltSnapshot, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *TiltBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks: slow subscribers miss samples.
func (b *TiltBroadcaster) Publish(s power.Sample) {
	if b == nil {
		return
	}
	snap := snapshotOf(s)
	b.mu.Lock()
	b.last = snap
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()
}

func (s *Server) handleTilt(w http.ResponseWriter, r *http.Request) {
	if s.Tilt == nil {
		http.Error(w, "tilt unavailable", http.StatusServiceUnavailable)
		return
	}
	smp, ok := s.Tilt.Latest()
	if !ok {
		http.Error(w, "no tilt reading yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"tilt": smp.Tilt.Beta})
}

func (s *Server) handleTiltStream(w http.ResponseWriter, r *http.Request) {
	if s.Tilts == nil {
		http.Error(w, "tilt stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warnw("websocket upgrade failed", "error", err)
		return
	}
	id, ch := s.Tilts.Subscribe(4)
	defer s.Tilts.Unsubscribe(id)
	defer conn.Close()

	// Reader: only pongs and close frames are expected.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log().Debugw("websocket read", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
