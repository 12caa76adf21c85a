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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/kegwatch/aggregator"
	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/hub"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveReadLimit    = 64 * 1024
)

// APIRestLiveHandler websocket handler for the live tap update channel
type APIRestLiveHandler struct {
	goutils.RestAPIHandler
	hub         hub.BroadcastHub
	taps        aggregator.TapStateAggregator
	upgrader    *websocket.Upgrader
	baseContext context.Context
}

// GetAPIRestLiveHandler define APIRestLiveHandler
func GetAPIRestLiveHandler(
	baseContext context.Context,
	broadcast hub.BroadcastHub,
	taps aggregator.TapStateAggregator,
	httpConfig *common.HTTPConfig,
) (APIRestLiveHandler, error) {
	if broadcast == nil || taps == nil {
		return APIRestLiveHandler{}, fmt.Errorf("live handler requires a hub and aggregator")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "live",
	}
	return APIRestLiveHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		hub:            broadcast,
		taps:           taps,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
	}, nil
}

// -----------------------------------------------------------------------

// Live godoc
// @Summary Live tap updates
// @Description Websocket channel streaming tap updates. The first message is initial_data
// @Description with every tap. Viewers send ping messages to stay attached.
// @tags Live
// @Param Kegwatch-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/live [get]
func (h APIRestLiveHandler) Live(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already replied with an error
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(liveReadLimit)

	// initial_data is queued first, updates older than it are never queued behind it
	session, err := h.hub.AttachWithSnapshot(func() interface{} {
		return h.taps.ListSnapshots()
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to build initial data")
		return
	}
	defer h.hub.Detach(session)
	logTags := common.Component{LogTags: localLogTags}.CopyLogTags(log.Fields{"session": session.ID})
	log.WithFields(logTags).Info("Live session started")

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(conn, session, logTags)
	}()

	h.readLoop(conn, session, logTags)
	h.hub.Detach(session)
	wg.Wait()
	log.WithFields(logTags).Info("Live session ended")
}

// LiveHandler Wrapper around Live
func (h APIRestLiveHandler) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Live(w, r)
	}
}

func (h APIRestLiveHandler) writeRaw(conn *websocket.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump sole writer of the connection once the session is live
func (h APIRestLiveHandler) writePump(conn *websocket.Conn, session *hub.Session, logTags log.Fields) {
	closeConn := func(reason string) {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		_ = conn.WriteMessage(
			websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		)
		// Unblock the reader
		_ = conn.Close()
	}
	for {
		select {
		case <-h.baseContext.Done():
			closeConn("server stopping")
			return
		case <-session.Done():
			closeConn("session closed")
			return
		case payload := <-session.Outbound():
			if err := h.writeRaw(conn, payload); err != nil {
				log.WithError(err).WithFields(logTags).Info("Live session write failed")
				h.hub.Detach(session)
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop consume viewer traffic until the connection fails
func (h APIRestLiveHandler) readLoop(conn *websocket.Conn, session *hub.Session, logTags log.Fields) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Info("Live session read failed")
			}
			return
		}
		session.Touch(time.Now())

		var msg common.LiveMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Ignoring unparsable viewer message")
			continue
		}
		if msg.Type != common.MsgTypePing {
			continue
		}
		pong, err := common.NewLiveMessage(common.MsgTypePong, nil)
		if err != nil {
			continue
		}
		if err := h.hub.SendTo(session, pong); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Unable to answer ping")
			return
		}
	}
}
