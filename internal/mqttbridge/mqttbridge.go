// Package mqttbridge mirrors engine events onto an MQTT broker and
// accepts automation-schema commands from a command topic. The bridge
// is optional; the engine runs identically without a broker.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"dmxlightd/internal/config"
	"dmxlightd/internal/engine"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/server/automation"
)

// Bridge is the MQTT side-channel.
type Bridge struct {
	ctx    context.Context
	log    logger.Logger
	cfg    config.MQTTConf
	eng    *engine.Engine
	client mqtt.Client
	opts   *mqtt.ClientOptions
}

func NewBridge(log logger.Logger, cfg config.MQTTConf, eng *engine.Engine) *Bridge {
	return &Bridge{log: log, cfg: cfg, eng: eng}
}

// Start connects to the broker, subscribes the command topic and
// begins mirroring engine events.
func (b *Bridge) Start(ctx context.Context) error {
	if b.log.GetLevel() == "debug" {
		mqtt.ERROR = stdlog.New(os.Stdout, "[ERROR] ", 0)
		mqtt.CRITICAL = stdlog.New(os.Stdout, "[CRIT] ", 0)
		mqtt.WARN = stdlog.New(os.Stdout, "[WARN]  ", 0)
	}

	b.ctx = ctx

	b.opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", b.cfg.Host, b.cfg.Port)).
		SetUsername(b.cfg.User).
		SetPassword(b.cfg.Password).
		SetOnConnectHandler(b.connectHandler).
		SetConnectionLostHandler(b.connectLostHandler).
		SetClientID(b.cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	b.client = mqtt.NewClient(b.opts)

	token := b.client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	case <-b.ctx.Done():
		return errors.New("context canceled")
	}

	b.eng.Subscribe("mqtt", b.handleEvent)
	b.log.With(logger.Fields{"module": "mqtt"}).Infof("bridge connected to %s:%s", b.cfg.Host, b.cfg.Port)
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() error {
	b.eng.Unsubscribe("mqtt")
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(500)
	}
	return nil
}

func (b *Bridge) connectHandler(_ mqtt.Client) {
	b.log.With(logger.Fields{"module": "mqtt"}).Info("client connected to broker")
	b.sub(b.topic("command"))
	// Re-assert the retained status after every (re)connect.
	b.publishStatus()
}

func (b *Bridge) connectLostHandler(_ mqtt.Client, err error) {
	b.log.With(logger.Fields{"module": "mqtt"}).Errorf("broker connection lost: %v", err)
}

func (b *Bridge) topic(leaf string) string {
	prefix := b.cfg.TopicPrefix
	if prefix == "" {
		prefix = "dmxlightd"
	}
	return prefix + "/" + leaf
}

func (b *Bridge) sub(topic string) {
	token := b.client.Subscribe(topic, 0, b.commandHandler)
	go func() {
		select {
		case <-b.ctx.Done():
			return
		case <-token.Done():
			if token.Error() != nil {
				b.log.With(logger.Fields{"module": "mqtt"}).Errorf("topic %s subscription error: %v", topic, token.Error())
				return
			}
		}
		b.log.With(logger.Fields{"module": "mqtt"}).Debugf("topic %s subscribed", topic)
	}()
}

// commandHandler runs automation-schema commands arriving on the
// command topic and publishes the response.
func (b *Bridge) commandHandler(_ mqtt.Client, msg mqtt.Message) {
	b.log.With(logger.Fields{"module": "mqtt"}).Debugf("command from topic %s: %s", msg.Topic(), msg.Payload())

	var cmd automation.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.log.With(logger.Fields{"module": "mqtt"}).Errorf("command could not be parsed (%s): %v", msg.Payload(), err)
		b.publishJSON("response", automation.Response{Status: "error", Action: "unknown", Message: "invalid JSON payload"}, false)
		return
	}
	b.publishJSON("response", automation.Execute(b.eng, cmd), false)
}

func (b *Bridge) handleEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StatusEvent:
		b.publishStatus()
	case engine.PresetActivatedEvent:
		b.publishJSON("preset", map[string]string{"id": ev.ID, "name": ev.Name}, false)
	case engine.PresetListEvent:
		b.publishJSON("presets", automation.Summarize(ev.Presets), true)
	}
}

func (b *Bridge) publishStatus() {
	st := b.eng.Status()
	b.publishJSON("status", map[string]interface{}{"connected": st.Connected, "port": st.Port}, true)
}

func (b *Bridge) publishJSON(leaf string, payload interface{}, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.With(logger.Fields{"module": "mqtt"}).Errorf("marshal %s payload: %v", leaf, err)
		return
	}
	topic := b.topic(leaf)
	token := b.client.Publish(topic, 0, retained, data)
	go func() {
		select {
		case <-b.ctx.Done():
			return
		case <-token.Done():
			if token.Error() != nil {
				b.log.With(logger.Fields{"module": "mqtt"}).Errorf("publish %s: %v", topic, token.Error())
			}
		}
	}()
}
