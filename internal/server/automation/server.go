// Package automation serves the controller-facing command protocol:
// newline-delimited JSON over TCP, one request/response pair per
// frame, plus unsolicited broadcast events.
package automation

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/engine"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/preset"
)

// Command is one inbound automation frame.
type Command struct {
	Action    string   `json:"action"`
	ID        string   `json:"id,omitempty"`
	FadeTime  *int     `json:"fadeTime,omitempty"`
	Channel   *int     `json:"channel,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	FixtureID string   `json:"fixtureId,omitempty"`
	ModeName  string   `json:"modeName,omitempty"`
	State     string   `json:"state,omitempty"`
}

// Response answers every command; Action echoes the request.
type Response struct {
	Status  string      `json:"status"`
	Action  string      `json:"action"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// PresetSummary is the preset shape broadcast to controllers.
type PresetSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FadeTime int    `json:"fadeTime"`
	Color    string `json:"color"`
}

// Summarize reduces presets to the wire summary shape.
func Summarize(presets []*preset.Preset) []PresetSummary {
	out := make([]PresetSummary, len(presets))
	for i, p := range presets {
		out[i] = PresetSummary{ID: p.ID, Name: p.Name, FadeTime: p.FadeTime, Color: p.Color}
	}
	return out
}

type client struct {
	conn net.Conn
	mu   sync.Mutex // serializes frames on the wire
	enc  *json.Encoder
}

func (c *client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

// Server is the automation endpoint.
type Server struct {
	log logger.Logger
	eng *engine.Engine

	ln net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}

	stopCh chan struct{}
}

func NewServer(log logger.Logger, eng *engine.Engine) *Server {
	return &Server{
		log:     log,
		eng:     eng,
		clients: make(map[*client]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting controllers.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	s.ln = ln
	s.eng.Subscribe("automation", s.handleEvent)
	go s.acceptLoop()
	s.log.With(logger.Fields{"module": "automation"}).Infof("automation server listening on %s", listen)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting and closes all controller connections.
func (s *Server) Shutdown() {
	close(s.stopCh)
	s.eng.Unsubscribe("automation")
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.With(logger.Fields{"module": "automation"}).Errorf("accept: %v", err)
				continue
			}
		}
		c := &client{conn: conn, enc: json.NewEncoder(conn)}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		n := len(s.clients)
		s.mu.Unlock()
		s.log.With(logger.Fields{"module": "automation"}).Infof("controller connected from %s (%d active)", conn.RemoteAddr(), n)
		go s.serve(c)
	}
}

func (s *Server) serve(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		c.conn.Close()
		s.log.With(logger.Fields{"module": "automation"}).Infof("controller disconnected (%d active)", n)
	}()

	dec := json.NewDecoder(c.conn)
	for {
		var cmd Command
		if err := dec.Decode(&cmd); err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			// A syntax error poisons the decoder; answer once and
			// drop the connection so framing can resynchronize.
			if _, ok := err.(*json.SyntaxError); ok {
				s.log.With(logger.Fields{"module": "automation"}).Warnf("unparseable frame: %v", err)
				c.write(Response{Status: "error", Action: "unknown", Message: "invalid JSON frame"})
			}
			return
		}
		resp := Execute(s.eng, cmd)
		if err := c.write(resp); err != nil {
			return
		}
	}
}

// Execute runs one automation command against the engine. The MQTT
// bridge shares this dispatcher so both controller surfaces behave
// identically.
func Execute(eng *engine.Engine, cmd Command) Response {
	ok := func(data interface{}) Response {
		return Response{Status: "ok", Action: cmd.Action, Data: data}
	}
	fail := func(format string, args ...interface{}) Response {
		return Response{Status: "error", Action: cmd.Action, Message: fmt.Sprintf(format, args...)}
	}

	switch cmd.Action {
	case "recall_preset":
		if cmd.ID == "" {
			return fail("recall_preset requires an id")
		}
		if err := eng.RecallPreset(cmd.ID, cmd.FadeTime); err != nil {
			return fail("%v", err)
		}
		return ok(nil)

	case "blackout":
		fadeMs := 0
		if cmd.FadeTime != nil {
			fadeMs = *cmd.FadeTime
		}
		eng.Blackout(fadeMs)
		return ok(nil)

	case "set_channel":
		if cmd.Channel == nil || cmd.Value == nil {
			return fail("set_channel requires channel and value")
		}
		eng.SetChannel(*cmd.Channel, *cmd.Value)
		return ok(nil)

	case "master_dimmer":
		if cmd.Value == nil {
			return fail("master_dimmer requires a value")
		}
		eng.SetMasterDimmer(*cmd.Value)
		return ok(nil)

	case "set_mode":
		if cmd.FixtureID == "" || cmd.ModeName == "" {
			return fail("set_mode requires fixtureId and modeName")
		}
		if err := eng.SetFixtureMode(cmd.FixtureID, cmd.ModeName); err != nil {
			return fail("%v", err)
		}
		return ok(nil)

	case "trigger":
		if cmd.Channel == nil {
			return fail("trigger requires a channel")
		}
		switch cmd.State {
		case "on":
			eng.TriggerStart(*cmd.Channel)
		case "off":
			eng.TriggerEnd(*cmd.Channel)
		default:
			return fail("trigger state must be \"on\" or \"off\"")
		}
		return ok(nil)

	case "get_state":
		raw := eng.Universe.GetRaw()
		return ok(map[string]interface{}{
			"channels":  dmx.Levels(raw[:]),
			"master":    eng.Universe.Master(),
			"connected": eng.Status().Connected,
		})

	case "list_presets":
		return ok(Summarize(eng.Presets.List()))

	case "list_fixtures":
		return ok(eng.Registry.List())

	case "get_profiles":
		return ok(eng.Profiles.List())

	default:
		return fail("unknown action %q", cmd.Action)
	}
}

func (s *Server) handleEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StatusEvent:
		s.broadcast(event{Event: "dmx_status", Data: map[string]bool{"connected": ev.Status.Connected}})
	case engine.PresetActivatedEvent:
		s.broadcast(event{Event: "preset_activated", Data: map[string]string{"id": ev.ID, "name": ev.Name}})
	case engine.PresetListEvent:
		s.broadcast(event{Event: "presets_updated", Data: Summarize(ev.Presets)})
	}
}

func (s *Server) broadcast(ev event) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if err := c.write(ev); err != nil {
			s.log.With(logger.Fields{"module": "automation"}).Debugf("event write: %v", err)
		}
	}
}
