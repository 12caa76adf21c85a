package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTParams MQTT subscriber parameters
type MQTTParams struct {
	BrokerURI      string
	ClientID       string
	ConnectTimeout time.Duration
	QoS            byte
	PourTopic      string
	KegChangeTopic string
}

// mqttSubscriberImpl implements Subscriber over MQTT topics
type mqttSubscriberImpl struct {
	common.Component
	params   MQTTParams
	ingestor EventIngestor
	ctxt     context.Context
	lock     sync.Mutex
	client   mqtt.Client
}

// GetMQTTSubscriber define a new MQTT topic subscriber
func GetMQTTSubscriber(
	ctxt context.Context, params MQTTParams, ingestor EventIngestor,
) (Subscriber, error) {
	logTags := log.Fields{
		"module": "ingest", "component": "mqtt-subscriber", "instance": params.BrokerURI,
	}
	if params.PourTopic == "" || params.KegChangeTopic == "" {
		return nil, fmt.Errorf("MQTT topics must not be empty")
	}
	if params.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", params.QoS)
	}
	return &mqttSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		ingestor:  ingestor,
		ctxt:      ctxt,
	}, nil
}

// handlerFor build the message callback for one event kind
func (s *mqttSubscriberImpl) handlerFor(kind EventKind) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case <-s.ctxt.Done():
			return
		default:
		}
		if _, err := s.ingestor.IngestRaw(s.ctxt, SourceMQTT, kind, msg.Payload()); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Failed to ingest %s from %s", kind, msg.Topic())
		}
	}
}

// subscribe subscribe to both topics on a connected client
func (s *mqttSubscriberImpl) subscribe(client mqtt.Client) error {
	filters := map[string]byte{
		s.params.PourTopic:      s.params.QoS,
		s.params.KegChangeTopic: s.params.QoS,
	}
	handlers := map[string]mqtt.MessageHandler{
		s.params.PourTopic:      s.handlerFor(KindPour),
		s.params.KegChangeTopic: s.handlerFor(KindKegChange),
	}
	for topic, qos := range filters {
		token := client.Subscribe(topic, qos, handlers[topic])
		if !token.WaitTimeout(s.params.ConnectTimeout) {
			return fmt.Errorf("subscribe to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s failed: %w", topic, err)
		}
		log.WithFields(s.LogTags).Infof("Reading events from %s (QoS %d)", topic, qos)
	}
	return nil
}

// Start connect to the broker and subscribe. Subscriptions are restored on reconnect.
func (s *mqttSubscriberImpl) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	opts := mqtt.NewClientOptions().
		AddBroker(s.params.BrokerURI).
		SetClientID(s.params.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(s.params.ConnectTimeout).
		SetOnConnectHandler(func(client mqtt.Client) {
			log.WithFields(s.LogTags).Info("Connected to broker")
			if err := s.subscribe(client); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Resubscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(s.LogTags).Warn("Connection to broker lost")
		})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.params.ConnectTimeout) {
		return fmt.Errorf("connect to %s timed out", s.params.BrokerURI)
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to connect to broker")
		return err
	}
	s.client = client
	return nil
}

// Stop disconnect from the broker
func (s *mqttSubscriberImpl) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
		log.WithFields(s.LogTags).Info("Disconnected from broker")
	}
	return nil
}
