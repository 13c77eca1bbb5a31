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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/alwitt/wsfanout/dispatch"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog   bool
	LogLevel  string `validate:"required,oneof=debug info warn error"`
	ServerURL string `validate:"required,url"`
	Topic     string `validate:"required"`
	Input     string `validate:"omitempty,json"`
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "wsfanout test client",
		Description: "Attach to a wsfanout server, subscribe to one topic, and print deliveries",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "server-url",
				Usage:       "Websocket endpoint of the fan-out server",
				Aliases:     []string{"s"},
				EnvVars:     []string{"SERVER_URL"},
				Value:       "ws://localhost:3000/v1/connect",
				DefaultText: "ws://localhost:3000/v1/connect",
				Destination: &args.ServerURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "topic",
				Usage:       "Topic path to subscribe to",
				Aliases:     []string{"t"},
				EnvVars:     []string{"TOPIC_PATH"},
				Destination: &args.Topic,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "input",
				Usage:       "Subscription input value as JSON",
				Aliases:     []string{"i"},
				EnvVars:     []string{"SUBSCRIPTION_INPUT"},
				Value:       "",
				DefaultText: "",
				Destination: &args.Input,
				Required:    false,
			},
		},
		Action: runClient,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func runClient(c *cli.Context) error {
	// Double check the input
	{
		validate := validator.New()
		if err := validate.Struct(&args); err != nil {
			return err
		}
	}

	// Prepare the logging
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	conn, _, err := websocket.DefaultDialer.Dial(args.ServerURL, nil)
	if err != nil {
		log.WithError(err).Errorf("Failed to dial %s", args.ServerURL)
		return err
	}
	defer func() { _ = conn.Close() }()
	log.Infof("Attached to %s", args.ServerURL)

	// Subscribe to the topic
	request := dispatch.Request{
		ID:     json.RawMessage(`"cli-sub-1"`),
		Method: dispatch.RequestMethodSubscribe,
		Params: dispatch.RequestParams{Path: args.Topic},
	}
	if len(args.Input) > 0 {
		request.Params.Input = json.RawMessage(args.Input)
	}
	serialized, err := json.Marshal(&request)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, serialized); err != nil {
		log.WithError(err).Error("Failed to send subscribe request")
		return err
	}

	// Print deliveries until the connection ends
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				log.WithError(err).Info("Connection read ended")
				return
			}
			fmt.Printf("%s\n", payload)
		}
	}()

	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	select {
	case <-cc:
	case <-done:
		return nil
	}

	// Unsubscribe and close cleanly
	request = dispatch.Request{
		ID:     json.RawMessage(`"cli-sub-1"`),
		Method: dispatch.RequestMethodUnsubscribe,
		Params: dispatch.RequestParams{},
	}
	if serialized, err := json.Marshal(&request); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, serialized)
	}
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	<-done
	return nil
}
