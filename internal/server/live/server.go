// Package live serves the full-duplex JSON protocol used by rich
// clients: websocket sessions with a throttled dmx:state broadcast
// and a command dispatcher over the engine.
package live

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/engine"
	"dmxlightd/internal/fixture"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/preset"
)

// broadcastInterval bounds outbound dmx:state traffic to ~30 Hz.
const broadcastInterval = 33 * time.Millisecond

// sendBuffer is the per-client outbound queue. A client that cannot
// drain it has its messages dropped, never the whole server stalled.
const sendBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
}

// Server is the live-client endpoint.
type Server struct {
	log logger.Logger
	eng *engine.Engine

	httpServer *http.Server
	upgrader   websocket.Upgrader
	addr       string

	mu      sync.Mutex
	clients map[*client]struct{}

	pending atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewServer(log logger.Logger, eng *engine.Engine) *Server {
	return &Server{
		log:      log,
		eng:      eng,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start binds the listener and begins serving. A bind failure is
// returned to the caller, which treats it as fatal.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	s.addr = ln.Addr().String()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	s.eng.Universe.Subscribe("live", func(dmx.Snapshot) {
		s.pending.Store(true)
	})
	s.eng.Subscribe("live", s.handleEvent)

	go s.throttleLoop()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.With(logger.Fields{"module": "live"}).Errorf("serve: %v", err)
		}
	}()

	s.log.With(logger.Fields{"module": "live"}).Infof("live-client server listening on %s", listen)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

// Shutdown closes all sessions and stops the listener.
func (s *Server) Shutdown() {
	close(s.stopCh)
	s.eng.Universe.Unsubscribe("live")
	s.eng.Unsubscribe("live")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	<-s.doneCh
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.With(logger.Fields{"module": "live"}).Errorf("upgrade: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan outbound, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.With(logger.Fields{"module": "live"}).Infof("client connected from %s (%d active)", conn.RemoteAddr(), n)

	go s.writeLoop(c)
	s.sendInitialState(c)
	s.readLoop(c)
}

// sendInitialState pushes the connect-time snapshot in protocol order.
func (s *Server) sendInitialState(c *client) {
	raw := s.eng.Universe.GetRaw()
	s.enqueue(c, outbound{Type: "dmx:state", Payload: newStatePayload(raw, s.eng.Universe.Master())})
	s.enqueue(c, outbound{Type: "dmx:status", Payload: statusToPayload(s.eng)})
	s.enqueue(c, outbound{Type: "presets:list", Payload: s.eng.Presets.List()})
	s.enqueue(c, outbound{Type: "fixtures:list", Payload: s.eng.Registry.List()})
	s.enqueue(c, outbound{Type: "fixtures:profiles", Payload: s.eng.Profiles.List()})
	if conflicts := s.eng.Registry.ValidateChannelConflicts(); len(conflicts) > 0 {
		s.enqueue(c, outbound{Type: "fixtures:conflicts", Payload: conflicts})
	}
}

func statusToPayload(e *engine.Engine) statusPayload {
	st := e.Status()
	out := statusPayload{Connected: st.Connected}
	if st.Port != "" {
		out.Port = &st.Port
	}
	return out
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer s.dropClient(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Parse failures are ignored; the session stays up.
			s.log.With(logger.Fields{"module": "live"}).Debugf("unparseable message from %s: %v", c.conn.RemoteAddr(), err)
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if present {
		close(c.done)
		c.conn.Close()
		s.log.With(logger.Fields{"module": "live"}).Infof("client disconnected (%d active)", n)
	}
}

// enqueue delivers without blocking. A saturated client drops the
// message; the next throttled broadcast catches it up.
func (s *Server) enqueue(c *client, msg outbound) {
	select {
	case c.send <- msg:
	default:
		s.log.With(logger.Fields{"module": "live"}).Warnf("client queue full, dropping %s", msg.Type)
	}
}

func (s *Server) broadcast(msg outbound) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.enqueue(c, msg)
	}
}

// throttleLoop turns the universe's change stream into at most one
// dmx:state broadcast per tick. The pending flag means the final
// change after a burst is always delivered on the next tick.
func (s *Server) throttleLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.pending.Swap(false) {
				continue
			}
			raw := s.eng.Universe.GetRaw()
			s.broadcast(outbound{Type: "dmx:state", Payload: newStatePayload(raw, s.eng.Universe.Master())})
		}
	}
}

// handleEvent forwards discrete engine events unthrottled.
func (s *Server) handleEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StatusEvent:
		out := statusPayload{Connected: ev.Status.Connected}
		if ev.Status.Port != "" {
			out.Port = &ev.Status.Port
		}
		s.broadcast(outbound{Type: "dmx:status", Payload: out})
	case engine.PresetActivatedEvent:
		s.broadcast(outbound{Type: "preset:activated", Payload: presetActivatedPayload{ID: ev.ID, Name: ev.Name}})
	case engine.PresetListEvent:
		s.broadcast(outbound{Type: "presets:list", Payload: ev.Presets})
	case engine.FixtureListEvent:
		s.broadcast(outbound{Type: "fixtures:list", Payload: ev.Fixtures})
	case engine.ConflictsEvent:
		if len(ev.Conflicts) > 0 {
			s.broadcast(outbound{Type: "fixtures:conflicts", Payload: ev.Conflicts})
		}
	case engine.ProfilesEvent:
		s.broadcast(outbound{Type: "fixtures:profiles", Payload: ev.Profiles})
	}
}

// dispatch runs one inbound command. Handler errors are logged; the
// client is never disconnected for a bad command.
func (s *Server) dispatch(c *client, env Envelope) {
	log := s.log.With(logger.Fields{"module": "live", "command": env.Type})

	fail := func(err error) {
		if err != nil {
			log.Errorf("command failed: %v", err)
		}
	}

	switch env.Type {
	case "dmx:set-channel":
		var cmd setChannelCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		s.eng.SetChannel(cmd.Channel, cmd.Value)

	case "dmx:set-channels":
		var cmd setChannelsCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		s.eng.SetChannels(parseChannelMap(cmd.Values))

	case "dmx:master":
		var cmd masterCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		s.eng.SetMasterDimmer(cmd.Value)

	case "dmx:blackout":
		var cmd blackoutCmd
		if env.Payload != nil {
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				fail(err)
				return
			}
		}
		fadeMs := 0
		if cmd.FadeTime != nil {
			fadeMs = *cmd.FadeTime
		}
		s.eng.Blackout(fadeMs)

	case "preset:recall":
		var cmd presetRecallCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		fail(s.eng.RecallPreset(cmd.ID, cmd.FadeTime))

	case "preset:save":
		var cmd presetSaveCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.SavePreset(cmd.Name, cmd.FadeTime, cmd.Color)
		fail(err)

	case "preset:update":
		var cmd struct {
			ID string `json:"id"`
			preset.Patch
		}
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.UpdatePreset(cmd.ID, cmd.Patch)
		fail(err)

	case "preset:delete":
		var cmd idCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.DeletePreset(cmd.ID)
		fail(err)

	case "fixture:create":
		var cmd fixture.Fixture
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.CreateFixture(cmd.Name, cmd.Type, cmd.Channels, cmd.ColorMode)
		fail(err)

	case "fixture:update":
		var cmd fixture.Fixture
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.UpdateFixture(cmd)
		fail(err)

	case "fixture:delete":
		var cmd idCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.DeleteFixture(cmd.ID)
		fail(err)

	case "fixture:create-from-profile":
		var cmd createFromProfileCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		_, err := s.eng.CreateFixtureFromProfile(cmd.Name, cmd.ProfileID, cmd.StartAddress)
		fail(err)

	case "fixture:set-mode":
		var cmd setModeCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		fail(s.eng.SetFixtureMode(cmd.FixtureID, cmd.ModeName))

	case "fixture:trigger-start":
		var cmd triggerCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		s.eng.TriggerStart(cmd.Channel)

	case "fixture:trigger-end":
		var cmd triggerCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			fail(err)
			return
		}
		s.eng.TriggerEnd(cmd.Channel)

	case "fixture:get-profiles":
		s.enqueue(c, outbound{Type: "fixtures:profiles", Payload: s.eng.Profiles.List()})

	case "fixture:export":
		s.enqueue(c, outbound{Type: "fixture:export-result", Payload: s.eng.ExportFixtures()})

	case "fixture:import":
		var cmd struct {
			Document *fixture.ExportDocument `json:"document"`
			Strategy fixture.ImportStrategy  `json:"strategy"`
		}
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.Document == nil {
			fail(err)
			return
		}
		res, err := s.eng.ImportFixtures(cmd.Document, cmd.Strategy)
		if err != nil {
			fail(err)
			return
		}
		s.enqueue(c, outbound{Type: "fixture:import-result", Payload: res})

	default:
		log.Warnf("unknown command ignored")
	}
}

func parseChannelMap(values map[string]float64) map[int]float64 {
	out := make(map[int]float64, len(values))
	for k, v := range values {
		ch, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[ch] = v
	}
	return out
}
