// Copyright 2024 The wsfanout Authors
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

package dataplane

import (
	"context"
	"net/http"
	"sync"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/dispatch"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebsocketHub terminates client websocket connections and doubles as the push
// transport addressing them by connection ID
type WebsocketHub interface {
	// HandleNewClient upgrade one HTTP request into a managed client connection
	HandleNewClient(w http.ResponseWriter, r *http.Request)
	// Push send one serialized message to a connection
	Push(ctxt context.Context, connectionID string, payload []byte) error
	// ConnectionCount number of currently attached connections
	ConnectionCount() int
}

// wsClient one attached client connection. Writes are serialized through writeLock
// since both frame acknowledgements and fan-out deliveries target the same socket.
type wsClient struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

// websocketHubImpl implements WebsocketHub
type websocketHubImpl struct {
	common.Component
	operationContext context.Context
	dispatcher       dispatch.SubscriptionDispatcher
	upgrader         websocket.Upgrader
	clients          map[string]*wsClient
	lock             *sync.RWMutex
}

// GetWebsocketHub define a new websocket hub.
//
// All attached connections are torn down when the runtime context ends.
func GetWebsocketHub(
	ctxt context.Context, dispatcher dispatch.SubscriptionDispatcher,
) (WebsocketHub, error) {
	logTags := log.Fields{"module": "dataplane", "component": "websocket-hub"}
	hub := &websocketHubImpl{
		Component:        common.Component{LogTags: logTags},
		operationContext: ctxt,
		dispatcher:       dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin screening is left to deployment level ingress controls
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
		lock:    &sync.RWMutex{},
	}
	go func() {
		<-ctxt.Done()
		hub.closeAll()
	}()
	return hub, nil
}

// HandleNewClient upgrade one HTTP request into a managed client connection
func (h *websocketHubImpl) HandleNewClient(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Websocket upgrade failed")
		return
	}
	connectionID := uuid.NewString()
	client := &wsClient{conn: conn}
	h.lock.Lock()
	h.clients[connectionID] = client
	h.lock.Unlock()

	if err := h.dispatcher.HandleConnect(h.operationContext, connectionID); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Rejecting connection %s", connectionID,
		)
		h.detach(connectionID)
		_ = conn.Close()
		return
	}
	log.WithFields(h.LogTags).Infof("Attached connection %s from %s", connectionID, r.RemoteAddr)
	go h.readLoop(connectionID, client)
}

// readLoop consume inbound frames of one connection until it closes
func (h *websocketHubImpl) readLoop(connectionID string, client *wsClient) {
	defer func() {
		h.detach(connectionID)
		_ = client.conn.Close()
		if err := h.dispatcher.HandleDisconnect(h.operationContext, connectionID); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Cleanup of connection %s incomplete", connectionID,
			)
		}
	}()
	for {
		msgType, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(h.LogTags).Infof(
					"Connection %s read ended", connectionID,
				)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := h.dispatcher.HandleInbound(
			h.operationContext, connectionID, payload,
		); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Frame from connection %s not processed", connectionID,
			)
		}
	}
}

// Push send one serialized message to a connection
func (h *websocketHubImpl) Push(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	h.lock.RLock()
	client, ok := h.clients[connectionID]
	h.lock.RUnlock()
	if !ok {
		return common.NewGoneError("connection %s is not attached", connectionID)
	}
	client.writeLock.Lock()
	defer client.writeLock.Unlock()
	if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Write to connection %s failed", connectionID,
		)
		// A failed write means the socket is unusable from here on
		h.detach(connectionID)
		_ = client.conn.Close()
		return common.NewGoneError("connection %s write failed: %s", connectionID, err.Error())
	}
	return nil
}

// ConnectionCount number of currently attached connections
func (h *websocketHubImpl) ConnectionCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// detach forget one connection
func (h *websocketHubImpl) detach(connectionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.clients, connectionID)
}

// closeAll tear down every attached connection
func (h *websocketHubImpl) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for connectionID, client := range h.clients {
		_ = client.conn.Close()
		delete(h.clients, connectionID)
	}
	log.WithFields(h.LogTags).Info("Closed all attached connections")
}
