/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package signals turns process termination signals into context
// cancellation.
package signals

import (
	"context"
	"os"
	"os/signal"
	"time"

	logf "sigs.k8s.io/handler-runtime/pkg/log"
)

var (
	onlyOneSignalHandler = make(chan struct{})
	signalCh             = make(chan os.Signal, 2)
)

// SetupSignalHandlerWithGrace registers for SIGTERM and SIGINT. The returned
// context is canceled grace after the first of these signals. Reconciliation
// passes still in progress finish during the engine's shutdown timeout. A
// second signal terminates the process with exit code 1.
func SetupSignalHandlerWithGrace(grace time.Duration) context.Context {
	close(onlyOneSignalHandler) // panics when called twice

	log := logf.Log.WithName("signals")
	ctx, cancel := context.WithCancel(context.Background())

	signal.Notify(signalCh, shutdownSignals...)
	go func() {
		sig := <-signalCh
		log.Info("Shutting down", "signal", sig.String(), "grace", grace)
		go func() {
			<-time.After(grace)
			cancel()
		}()
		sig = <-signalCh
		log.Info("Exiting immediately", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx
}

// SetupSignalHandler cancels the returned context on the first signal.
func SetupSignalHandler() context.Context {
	return SetupSignalHandlerWithGrace(0)
}
