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

package healthz_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sigs.k8s.io/handler-runtime/pkg/healthz"
)

const contentType = "text/plain; charset=utf-8"

var _ = Describe("Healthz", func() {
	get := func(mux *http.ServeMux, url string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", "http://example.com"+url, nil)
		Expect(err).NotTo(HaveOccurred())
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	It("should install ping when no checks are given", func() {
		mux := http.NewServeMux()
		healthz.Install(mux, "/healthz")

		w := get(mux, "/healthz")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal(contentType))
		Expect(w.Body.String()).To(Equal("ok"))
		Expect(get(mux, "/healthz/ping").Code).To(Equal(http.StatusOK))
	})

	bad := healthz.NamedCheck("bad", func(*http.Request) error {
		return errors.New("this will fail")
	})

	DescribeTable("combining checks",
		func(query string, withBad bool, status int, body string) {
			checks := []healthz.Checker{healthz.Ping}
			if withBad {
				checks = append(checks, bad)
			}
			for _, path := range []string{"/healthz", "/readyz"} {
				mux := http.NewServeMux()
				healthz.Install(mux, path, checks...)
				w := get(mux, path+query)
				Expect(w.Code).To(Equal(status))
				Expect(w.Body.String()).To(Equal(body))
			}
		},
		Entry("verbose", "?verbose", false, http.StatusOK, "[+]ping ok\nhealthz check passed\n"),
		Entry("unknown exclusion", "?exclude=dontexist", false, http.StatusOK, "ok"),
		Entry("excluded failure", "?exclude=bad", true, http.StatusOK, "ok"),
		Entry("verbose excluded failure", "?verbose=true&exclude=bad", true, http.StatusOK,
			"[+]ping ok\n[+]bad excluded: ok\nhealthz check passed\n"),
		Entry("verbose unknown exclusion", "?verbose=true&exclude=dontexist", false, http.StatusOK,
			"[+]ping ok\nwarn: some health checks cannot be excluded: no matches for \"dontexist\"\nhealthz check passed\n"),
		Entry("single check", "/ping", true, http.StatusOK, "ok"),
		Entry("single failing check", "/bad", true, http.StatusInternalServerError, "internal server error: this will fail\n"),
		Entry("failure", "", true, http.StatusInternalServerError,
			"[+]ping ok\n[-]bad failed: reason withheld\nhealthz check failed\n"),
	)

	It("should serve liveness and readiness until the context is done", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().String()
		Expect(ln.Close()).To(Succeed())

		ready := false
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- healthz.Serve(ctx, addr, nil, []healthz.Checker{healthz.NamedCheck("synced", func(*http.Request) error {
				if !ready {
					return errors.New("not synced")
				}
				return nil
			})})
		}()

		status := func(path string) func() (int, error) {
			return func() (int, error) {
				resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
				if err != nil {
					return 0, err
				}
				defer resp.Body.Close()
				_, _ = io.Copy(io.Discard, resp.Body)
				return resp.StatusCode, nil
			}
		}
		Eventually(status("/healthz")).Should(Equal(http.StatusOK))
		Expect(status("/readyz")()).To(Equal(http.StatusInternalServerError))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should not serve when disabled", func() {
		Expect(healthz.Serve(context.Background(), "0", nil, nil)).To(Succeed())
	})
})
