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

// Package healthz serves liveness and readiness probes for processes running
// the engine.
package healthz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	logf "sigs.k8s.io/handler-runtime/pkg/log"
)

var log = logf.Log.WithName("healthz")

// DefaultBindAddress is the default bind address of the probe server.
var DefaultBindAddress = ":8081"

// Checker is a named health check.
type Checker interface {
	Name() string
	Check(req *http.Request) error
}

// Ping always succeeds.
var Ping Checker = NamedCheck("ping", func(*http.Request) error { return nil })

// NamedCheck returns a Checker for the given name and function.
func NamedCheck(name string, check func(r *http.Request) error) Checker {
	return &namedCheck{name: name, check: check}
}

type namedCheck struct {
	name  string
	check func(r *http.Request) error
}

func (c *namedCheck) Name() string                { return c.name }
func (c *namedCheck) Check(r *http.Request) error { return c.check(r) }

// Install registers checks at path on mux, plus one sub-path per check. With
// no checks, Ping is installed. Installing the same path twice panics.
func Install(mux *http.ServeMux, path string, checks ...Checker) {
	if len(checks) == 0 {
		log.V(1).Info("No checks given, installing ping", "path", path)
		checks = []Checker{Ping}
	}
	mux.Handle(path, aggregate(checks))
	for _, check := range checks {
		log.V(1).Info("Installing check", "path", path, "checker", check.Name())
		mux.Handle(path+"/"+check.Name(), single(check))
	}
}

// aggregate serves the combined result of checks. Checks named in the
// exclude query parameter are skipped; verbose lists every result.
func aggregate(checks []Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		excluded := sets.New(r.URL.Query()["exclude"]...)
		failed := false
		var out bytes.Buffer
		for _, check := range checks {
			if excluded.Has(check.Name()) {
				excluded.Delete(check.Name())
				fmt.Fprintf(&out, "[+]%s excluded: ok\n", check.Name())
				continue
			}
			if err := check.Check(r); err != nil {
				// The endpoint is unauthenticated, the reason only goes to the log.
				log.V(1).Info("Check failed", "checker", check.Name(), "error", err)
				fmt.Fprintf(&out, "[-]%s failed: reason withheld\n", check.Name())
				failed = true
				continue
			}
			fmt.Fprintf(&out, "[+]%s ok\n", check.Name())
		}
		if excluded.Len() > 0 {
			names := sets.List(excluded)
			quoted := make([]string, 0, len(names))
			for _, name := range names {
				quoted = append(quoted, fmt.Sprintf("%q", name))
			}
			fmt.Fprintf(&out, "warn: some health checks cannot be excluded: no matches for %s\n", strings.Join(quoted, ","))
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if failed {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, "%shealthz check failed\n", out.String())
			return
		}
		if _, verbose := r.URL.Query()["verbose"]; !verbose {
			fmt.Fprint(w, "ok")
			return
		}
		fmt.Fprintf(w, "%shealthz check passed\n", out.String())
	})
}

func single(check Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := check.Check(r); err != nil {
			http.Error(w, fmt.Sprintf("internal server error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "ok")
	})
}

// Serve serves /healthz with the liveness checks and /readyz with the
// readiness checks at addr until ctx is done. An addr of "0" disables the
// server.
func Serve(ctx context.Context, addr string, liveness, readiness []Checker) error {
	if addr == "0" {
		return nil
	}
	if addr == "" {
		addr = DefaultBindAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	Install(mux, "/healthz", liveness...)
	Install(mux, "/readyz", readiness...)
	server := http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("Serving probes", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
