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

package apis

import (
	"io"
	"net/http"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/dataplane"
	"github.com/alwitt/wsfanout/storage"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// restPublishRequest request body of the publish endpoint. The topic rides on the
// URL path, the rest mirrors the ingress publish request.
type restPublishRequest struct {
	// Data is the publish payload
	Data interface{} `json:"data"`
	// Filter optionally restricts the subscribers targeted
	Filter *subscription.QueryFilter `json:"filter,omitempty" validate:"omitempty"`
}

// restPublishResponse response body of the publish endpoint
type restPublishResponse struct {
	StandardResponse
	// Result is the fan-out outcome summary
	Result dataplane.PublishResult `json:"result"`
}

// APIRestFanoutHandler REST handler for the fan-out server
type APIRestFanoutHandler struct {
	APIRestHandler
	hub       dataplane.WebsocketHub
	publisher dataplane.FanoutPublisher
	store     storage.KeyValueStore
	validate  *validator.Validate
}

// GetAPIRestFanoutHandler define APIRestFanoutHandler
func GetAPIRestFanoutHandler(
	httpConfig common.HTTPConfig,
	hub dataplane.WebsocketHub,
	publisher dataplane.FanoutPublisher,
	store storage.KeyValueStore,
) (APIRestFanoutHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "fanout",
	}
	return APIRestFanoutHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		hub:       hub,
		publisher: publisher,
		store:     store,
		validate:  validator.New(),
	}, nil
}

// =======================================================================
// Client websocket attach

// ClientConnect godoc
// @Summary Attach a subscriber websocket
// @Description Upgrade the request into a websocket carrying subscription operations
// and fan-out deliveries
// @tags Dataplane
// @Success 101 {string} string "switching protocols"
// @Router /v1/connect [get]
func (h APIRestFanoutHandler) ClientConnect(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleNewClient(w, r)
}

// ClientConnectHandler Wrapper around ClientConnect
func (h APIRestFanoutHandler) ClientConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ClientConnect(w, r)
	}
}

// =======================================================================
// Message publish

// PublishMessage godoc
// @Summary Publish a message on a topic
// @Description Fan a payload out to all subscribers of a topic matching the
// optional filter
// @tags Dataplane
// @Accept json
// @Produce json
// @Param topicName path string true "Topic to publish on"
// @Param message body restPublishRequest true "Publish payload and optional filter"
// @Success 200 {object} restPublishResponse "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/topic/{topicName}/publish [post]
func (h APIRestFanoutHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/topic/{topicName}/publish"
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		msg := "Prep failed"
		log.WithError(err).WithFields(h.LogTags).Error("Failed to update logtags")
		h.reply(w, http.StatusInternalServerError, getStdRESTErrorMsg(
			http.StatusInternalServerError, &msg,
		), restCall)
		return
	}

	vars := mux.Vars(r)
	topicName, ok := vars["topicName"]
	if !ok {
		msg := "No topic name provided"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}

	var request restPublishRequest
	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = parsePublishBody(body, &request)
	}
	if err == nil {
		err = h.validate.Struct(&request)
	}
	if err != nil {
		msg := "Unable to parse publish request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}

	result, err := h.publisher.Publish(r.Context(), topicName, request.Data, request.Filter)
	if err != nil {
		msg := err.Error()
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Publish on topic %s failed", topicName,
		)
		respCode := http.StatusInternalServerError
		if common.IsBadRequestError(err) {
			respCode = http.StatusBadRequest
		}
		h.reply(w, respCode, getStdRESTErrorMsg(respCode, &msg), restCall)
		return
	}

	h.reply(w, http.StatusOK, restPublishResponse{
		StandardResponse: getStdRESTSuccessMsg(), Result: result,
	}, restCall)
}

// parsePublishBody decode the publish request body. An empty body is a publish with
// no payload and no filter.
func parsePublishBody(body []byte, request *restPublishRequest) error {
	if len(body) == 0 {
		return nil
	}
	return common.UnmarshalJSON(body, request)
}

// PublishMessageHandler Wrapper around PublishMessage
func (h APIRestFanoutHandler) PublishMessageHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishMessage(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the fan-out server is running
// @tags Management
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /alive [get]
func (h APIRestFanoutHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestFanoutHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the registry store is reachable
// @tags Management
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /ready [get]
func (h APIRestFanoutHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		msg := "Prep failed"
		log.WithError(err).WithFields(h.LogTags).Error("Failed to update logtags")
		h.reply(w, http.StatusInternalServerError, getStdRESTErrorMsg(
			http.StatusInternalServerError, &msg,
		), "GET /ready")
		return
	}
	if err := h.store.Ready(r.Context()); err != nil {
		msg := "Registry store not ready"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(w, http.StatusInternalServerError, getStdRESTErrorMsg(
			http.StatusInternalServerError, &msg,
		), "GET /ready")
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestFanoutHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
