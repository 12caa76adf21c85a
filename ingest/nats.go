// Copyright 2025 The kegwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Subscriber feeds device events from a message bus into the ingestor
type Subscriber interface {
	// Start subscribe to the configured subjects / topics
	Start() error
	// Stop unsubscribe
	Stop() error
}

// natsSubscriberImpl implements Subscriber over core NATS subjects
type natsSubscriberImpl struct {
	common.Component
	client   *core.NatsClient
	ingestor EventIngestor
	subjects map[EventKind]string
	ctxt     context.Context
	lock     sync.Mutex
	subs     []*nats.Subscription
}

// GetNATSSubscriber define a new NATS subject subscriber
func GetNATSSubscriber(
	ctxt context.Context,
	client *core.NatsClient,
	ingestor EventIngestor,
	pourSubject, kegChangeSubject string,
) (Subscriber, error) {
	logTags := log.Fields{"module": "ingest", "component": "nats-subscriber"}
	if pourSubject == "" || kegChangeSubject == "" {
		return nil, fmt.Errorf("NATS subjects must not be empty")
	}
	return &natsSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		ingestor:  ingestor,
		subjects:  map[EventKind]string{KindPour: pourSubject, KindKegChange: kegChangeSubject},
		ctxt:      ctxt,
	}, nil
}

// handlerFor build the message callback for one event kind. Messages carrying a reply
// subject get the ingest result back.
func (s *natsSubscriberImpl) handlerFor(kind EventKind) nats.MsgHandler {
	return func(msg *nats.Msg) {
		result, err := s.ingestor.IngestRaw(s.ctxt, SourceNATS, kind, msg.Data)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Failed to ingest %s from %s", kind, msg.Subject)
		}
		if msg.Reply == "" {
			return
		}
		reply, err := json.Marshal(&result)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize ingest result")
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to reply on %s", msg.Reply)
		}
	}
}

// Start subscribe to the configured subjects
func (s *natsSubscriberImpl) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, kind := range []EventKind{KindPour, KindKegChange} {
		subject := s.subjects[kind]
		sub, err := s.client.Conn().Subscribe(subject, s.handlerFor(kind))
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to subscribe to %s", subject)
			return err
		}
		s.subs = append(s.subs, sub)
		log.WithFields(s.LogTags).Infof("Reading %s events from %s", kind, subject)
	}
	return nil
}

// Stop unsubscribe from all subjects
func (s *natsSubscriberImpl) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	var lastErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unsubscribe from %s failed", sub.Subject)
			lastErr = err
		}
	}
	s.subs = nil
	return lastErr
}
