package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoSession speaks MQTT 3.1.1. Automatic reconnects are disabled so the Link
// alone decides when to dial again.
type pahoSession struct {
	events Events
	logger *slog.Logger
	client mqtt.Client
}

func newPahoSession(config SessionConfig, events Events) *pahoSession {
	s := &pahoSession{
		events: events,
		logger: config.Logger,
	}

	options := mqtt.NewClientOptions().
		AddBroker(config.ServerURL.String()).
		SetClientID(config.ClientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetKeepAlive(time.Duration(config.Keepalive) * time.Second).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectTimeout(operationTimeout).
		SetDefaultPublishHandler(func(_ mqtt.Client, message mqtt.Message) {
			s.events.OnMessage(message.Topic(), message.Payload())
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("Broker.Paho: connection lost", "err", err)
			s.events.OnDisconnect(CodeUnspecified)
		})
	s.client = mqtt.NewClient(options)
	return s
}

func (s *pahoSession) Connect(context.Context) error {
	token := s.client.Connect()
	go func() {
		token.Wait()
		var returnCode byte
		if connectToken, ok := token.(*mqtt.ConnectToken); ok {
			returnCode = connectToken.ReturnCode()
		}
		if err := token.Error(); err != nil {
			s.logger.Debug("Broker.Paho: connect failed", "err", err, "returnCode", returnCode)
		}
		s.events.OnConnect(connectResult(returnCode, token.Error()))
	}()
	return nil
}

// connectResult turns a CONNACK return code and token error into a link reason code.
// A transport error without a return code still counts as a refused connect.
func connectResult(returnCode byte, err error) byte {
	if err == nil {
		return returnCode
	}
	if returnCode == CodeSuccess {
		return CodeUnspecified
	}
	return returnCode
}

// Disconnect is safe in any state; the client ignores it when there is no connection.
func (s *pahoSession) Disconnect(context.Context) error {
	s.client.Disconnect(250)
	return nil
}

func (s *pahoSession) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) {
	token := s.client.Publish(topic, qos, retain, payload)
	go func() {
		if !token.WaitTimeout(operationTimeout) {
			s.events.OnPublish(topic, fmt.Errorf("Broker.Paho: publish %v timed out", topic))
			return
		}
		s.events.OnPublish(topic, token.Error())
	}()
}

func (s *pahoSession) Subscribe(_ context.Context, topic string, qos byte) error {
	token := s.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("Broker.Paho: subscribe %v timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("Broker.Paho: subscribe %v failed, %w", topic, err)
	}
	return nil
}
