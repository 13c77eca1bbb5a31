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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alwitt/wsfanout/storage"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	EtcdHost   string `validate:"required"`
	Topic      string `validate:"required"`
	Threads    int
	Iterations int
}

var args cmdArgs

func main() {
	topicName := fmt.Sprintf("bench-%s", uuid.New().String())

	app := &cli.App{
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
				Name:        "etcd-host",
				Usage:       "ETCD server host name",
				EnvVars:     []string{"ETCD_HOST"},
				Aliases:     []string{"s"},
				Value:       "localhost:2379",
				DefaultText: "localhost:2379",
				Destination: &args.EtcdHost,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "topic",
				Usage:       "Target topic path",
				EnvVars:     []string{"TOPIC_PATH"},
				Aliases:     []string{"t"},
				Value:       topicName,
				DefaultText: topicName,
				Destination: &args.Topic,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "threads",
				Usage:       "Number of test threads",
				EnvVars:     []string{"TEST_THREADS"},
				Value:       2,
				DefaultText: "2",
				Destination: &args.Threads,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Number of create/query/delete cycles",
				EnvVars:     []string{"TEST_ITERATIONS"},
				Aliases:     []string{"c"},
				Value:       10,
				DefaultText: "10",
				Destination: &args.Iterations,
				Required:    false,
			},
		},
		Action: runBenchmark,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func runBenchmark(c *cli.Context) error {
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

	{
		tmp, _ := json.Marshal(&args)
		log.Debugf("Starting params %s", tmp)
	}

	filterConfig := subscription.NewConfig().WithTopicFilters(args.Topic)

	// Define the test connections
	registries := make([]subscription.SubscriptionRegistry, args.Threads)
	stores := make([]storage.KeyValueStore, args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		store, err := storage.CreateEtcdBackedStorage([]string{args.EtcdHost}, time.Second)
		if err != nil {
			log.WithError(err).Errorf("Failed to create ETCD store for %s", args.EtcdHost)
			return err
		}
		stores[itr] = store
		registry, err := subscription.DefineSubscriptionRegistry(
			store, filterConfig, time.Minute*10,
		)
		if err != nil {
			log.WithError(err).Error("Failed to create subscription registry")
			return err
		}
		registries[itr] = registry
	}

	// Start the tests
	utCtxt := context.Background()
	testDurations := make([]time.Duration, args.Threads)
	wg := sync.WaitGroup{}
	testFunction := func(index int) {
		defer wg.Done()
		connectionID := fmt.Sprintf("bench-conn-%d", index)
		startTime := time.Now()
		for itr := 0; itr < args.Iterations; itr++ {
			subscriptionID := fmt.Sprintf("bench-sub-%d", itr)
			if err := registries[index].Create(
				utCtxt, args.Topic, subscriptionID, connectionID, nil, nil,
			); err != nil {
				log.WithError(err).Errorf("Create on %s failed", args.Topic)
			}
			if _, err := registries[index].Query(utCtxt, args.Topic, nil); err != nil {
				log.WithError(err).Errorf("Query on %s failed", args.Topic)
			}
			if err := registries[index].Delete(
				utCtxt, connectionID, subscriptionID,
			); err != nil {
				log.WithError(err).Errorf("Delete on %s failed", args.Topic)
			}
		}
		testDurations[index] = time.Since(startTime)
	}
	wg.Add(args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		go testFunction(itr)
	}
	// Wait for all test threads to exit
	wg.Wait()

	// Get average create / query / delete cycle time
	avgCycle := time.Second * 0
	for _, totalTime := range testDurations {
		avgCycle += totalTime / time.Duration(args.Iterations)
	}
	avgCycleMs := float64(avgCycle) / float64(time.Millisecond) / float64(args.Threads)
	log.Infof("AVG Create / Query / Delete Cycle: %.03f ms", avgCycleMs)

	for _, store := range stores {
		if err := store.Close(); err != nil {
			log.WithError(err).Errorf("Failed to close ETCD store for %s", args.EtcdHost)
		}
	}
	return nil
}
