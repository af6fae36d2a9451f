package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loon-data/loon/platform/internal/postgres"
)

// Stream frame kinds.
const (
	FrameTick         = "tick"
	FrameRunStarted   = "run_started"
	FrameRunFinished  = "run_finished"
	FramePhaseChanged = "phase_changed"
	FrameAlert        = "alert"
)

// Hub defaults.
const (
	defaultStreamBuffer = 300 * time.Second
	defaultTickInterval = 5 * time.Second
	subscriberBuffer    = 64
)

// StreamFrame is one SSE status event. Seq is a monotonic cursor: clients
// reconnect with ?last_seq= to replay what they missed.
type StreamFrame struct {
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload,omitempty"`
}

// Hub fans status frames out to SSE subscribers. Frames come from three
// places: a periodic tick carrying the platform snapshot, the event bus
// (run and session transitions, critical issues), and direct Publish calls.
// A ring of recent frames supports ?last_seq= replay after a reconnect.
type Hub struct {
	mu     sync.Mutex
	frames []StreamFrame
	seq    uint64
	subs   map[chan StreamFrame]struct{}

	window time.Duration
	tick   time.Duration
	bus    postgres.EventBus
	status func() any

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. bus may be nil (tick-only stream); status provides
// the tick payload; window is how long frames stay replayable (zero means
// the 300 s default).
func NewHub(bus postgres.EventBus, status func() any, window time.Duration) *Hub {
	if window <= 0 {
		window = defaultStreamBuffer
	}
	return &Hub{
		subs:   make(map[chan StreamFrame]struct{}),
		window: window,
		tick:   defaultTickInterval,
		bus:    bus,
		status: status,
	}
}

// Start launches the tick loop and the event bus translators.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	var runCh, sessCh, issueCh <-chan postgres.Event
	unsubs := make([]func(), 0, 3)
	if h.bus != nil {
		var unsub func()
		runCh, unsub = h.bus.Subscribe(postgres.ChannelRunUpdated)
		unsubs = append(unsubs, unsub)
		sessCh, unsub = h.bus.Subscribe(postgres.ChannelSessionUpdated)
		unsubs = append(unsubs, unsub)
		issueCh, unsub = h.bus.Subscribe(postgres.ChannelIssueRecorded)
		unsubs = append(unsubs, unsub)
	}

	go func() {
		defer close(h.done)
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()

		ticker := time.NewTicker(h.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var payload any
				if h.status != nil {
					payload = h.status()
				}
				h.Publish(FrameTick, payload)
			case ev, ok := <-runCh:
				if !ok {
					runCh = nil
					continue
				}
				h.translateRun(ev)
			case ev, ok := <-sessCh:
				if !ok {
					sessCh = nil
					continue
				}
				h.publishRaw(FramePhaseChanged, ev.Payload)
			case ev, ok := <-issueCh:
				if !ok {
					issueCh = nil
					continue
				}
				h.translateIssue(ev)
			}
		}
	}()
}

// Stop halts the loops and waits for them to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		<-h.done
	}
}

// translateRun maps a run_updated bus event to run_started/run_finished.
// Intermediate states (pending, retry re-queue) stay off the stream.
func (h *Hub) translateRun(ev postgres.Event) {
	var p postgres.RunEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	switch p.Status {
	case "running":
		h.Publish(FrameRunStarted, p)
	case "success", "failed", "timeout", "skipped", "cancelled":
		h.Publish(FrameRunFinished, p)
	}
}

// translateIssue surfaces error and critical issues as alerts.
func (h *Hub) translateIssue(ev postgres.Event) {
	var p postgres.IssueEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}
	if p.Severity == "error" || p.Severity == "critical" {
		h.Publish(FrameAlert, p)
	}
}

func (h *Hub) publishRaw(kind string, payload json.RawMessage) {
	var v any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return
		}
	}
	h.Publish(kind, v)
}

// Publish appends a frame to the replay ring and fans it out. A subscriber
// whose buffer is full gets disconnected rather than skipped: an in-stream
// gap would be invisible to the consumer, a closed stream makes it
// reconnect with its cursor and replay or reset.
func (h *Hub) Publish(kind string, payload any) StreamFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	frame := StreamFrame{Seq: h.seq, TS: time.Now().UTC(), Kind: kind, Payload: payload}
	h.frames = append(h.frames, frame)
	h.pruneLocked(frame.TS)

	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
	return frame
}

// pruneLocked drops frames older than the replay window.
func (h *Hub) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(h.frames) && h.frames[i].TS.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.frames = append([]StreamFrame(nil), h.frames[i:]...)
	}
}

// Subscribe registers a consumer. With resume set, every retained frame
// after lastSeq is replayed before live delivery begins; lastSeq 0 means
// "from the beginning". Without resume the consumer gets live frames only.
// reset is true when lastSeq has fallen off the replay ring: the consumer
// missed frames that no longer exist and must refetch state.
func (h *Hub) Subscribe(lastSeq uint64, resume bool) (replay []StreamFrame, ch chan StreamFrame, reset bool, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if resume {
		oldest := h.seq + 1 // empty ring: nothing older than the next frame
		if len(h.frames) > 0 {
			oldest = h.frames[0].Seq
		}
		if lastSeq+1 < oldest && lastSeq < h.seq {
			return nil, nil, true, func() {}
		}
		for _, f := range h.frames {
			if f.Seq > lastSeq {
				replay = append(replay, f)
			}
		}
	}

	ch = make(chan StreamFrame, subscriberBuffer)
	h.subs[ch] = struct{}{}
	cancel = func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return replay, ch, false, cancel
}

// HandleStatusStream is GET /api/v1/status/stream: an SSE feed of status
// frames. ?last_seq= resumes after a disconnect; consumers that have fallen
// off the replay buffer get a reset_required event and the stream closes.
func (s *Server) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		errorJSON(w, "status stream is not available", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, "streaming is not supported", "UNSUPPORTED", http.StatusInternalServerError)
		return
	}

	ip := clientIP(r)
	if s.SSELimiter != nil && !s.SSELimiter.Acquire(ip) {
		rateLimitError(w, "too many SSE connections", 60)
		return
	}
	defer func() {
		if s.SSELimiter != nil {
			s.SSELimiter.Release(ip)
		}
	}()

	var lastSeq uint64
	var resume bool
	if v := r.URL.Query().Get("last_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errorJSON(w, "last_seq must be a non-negative integer", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		lastSeq = n
		resume = true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeFrame := func(frame StreamFrame) {
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", frame.Seq, frame.Kind, data)
		flusher.Flush()
	}

	replay, ch, reset, cancel := s.Hub.Subscribe(lastSeq, resume)
	defer cancel()

	if reset {
		fmt.Fprintf(w, "event: reset_required\ndata: {}\n\n")
		flusher.Flush()
		return
	}
	for _, frame := range replay {
		writeFrame(frame)
	}

	// Cap connection lifetime so stalled clients cannot pin resources.
	ctx, cancelCtx := context.WithTimeout(r.Context(), time.Duration(MaxSSEDurationSeconds)*time.Second)
	defer cancelCtx()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				// Disconnected by the hub for falling behind.
				return
			}
			writeFrame(frame)
		}
	}
}
