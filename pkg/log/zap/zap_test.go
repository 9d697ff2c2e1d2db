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

package zap

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// testStringer is a fmt.Stringer
type testStringer struct{}

func (testStringer) String() string {
	return "value"
}

func decode(out *bytes.Buffer) map[string]interface{} {
	res := map[string]interface{}{}
	ExpectWithOffset(1, json.Unmarshal(out.Bytes(), &res)).To(Succeed())
	return res
}

func kopfExample(namespace, name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("kopf.dev/v1")
	obj.SetKind("KopfExample")
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return obj
}

var _ = Describe("Zap logger setup", func() {
	Context("with the default output", func() {
		It("shouldn't fail when setting up production", func() {
			Expect(New()).NotTo(BeNil())
		})

		It("shouldn't fail when setting up development", func() {
			Expect(New(UseDevMode(true))).NotTo(BeNil())
		})
	})

	Context("with custom non-sync output", func() {
		It("shouldn't fail when setting up production", func() {
			Expect(New(WriteTo(io.Discard))).NotTo(BeNil())
		})

		It("shouldn't fail when setting up development", func() {
			Expect(New(WriteTo(io.Discard), UseDevMode(true))).NotTo(BeNil())
		})
	})

	Context("when logging kubernetes objects", func() {
		var logOut *bytes.Buffer
		var logger logr.Logger

		BeforeEach(func() {
			logOut = new(bytes.Buffer)
			By("setting up the logger")
			// production settings give plain json output
			logger = New(WriteTo(logOut))
		})

		It("should log a namespaced object's identity and kind", func() {
			obj := kopfExample("some-ns", "kopf-example-1")
			logger.Info("here's a kubernetes object", "thing", obj)

			Expect(decode(logOut)).To(HaveKeyWithValue("thing", map[string]interface{}{
				"name":       "kopf-example-1",
				"namespace":  "some-ns",
				"apiVersion": "kopf.dev/v1",
				"kind":       "KopfExample",
			}))
		})

		It("should log a cluster-scoped object without a namespace", func() {
			obj := kopfExample("", "kopf-example-1")
			logger.Info("here's a kubernetes object", "thing", obj)

			Expect(decode(logOut)).To(HaveKeyWithValue("thing", map[string]interface{}{
				"name":       "kopf-example-1",
				"apiVersion": "kopf.dev/v1",
				"kind":       "KopfExample",
			}))
		})

		It("should work fine with normal stringers", func() {
			logger.Info("here's a non-kubernetes stringer", "thing", testStringer{})
			Expect(decode(logOut)).To(HaveKeyWithValue("thing", "value"))
		})

		It("should log a namespaced NamespacedName", func() {
			name := types.NamespacedName{Name: "some-pod", Namespace: "some-ns"}
			logger.Info("here's a kubernetes object", "thing", name)

			Expect(decode(logOut)).To(HaveKeyWithValue("thing", map[string]interface{}{
				"name":      name.Name,
				"namespace": name.Namespace,
			}))
		})

		It("should log an object key without its uid", func() {
			key := resource.ObjectKey{Namespace: "some-ns", Name: "some-pod", UID: "1234"}
			logger.WithValues("object", key).Info("here's a key")

			Expect(decode(logOut)).To(HaveKeyWithValue("object", map[string]interface{}{
				"name":      "some-pod",
				"namespace": "some-ns",
			}))
		})

		It("should pass values through unchanged when kube awareness is off", func() {
			sink := logger.GetSink().(*KubeAwareLogSink)
			sink.SetKubeAwareEnabled(false)
			defer sink.SetKubeAwareEnabled(true)

			logger.Info("plain", "count", 3)
			Expect(decode(logOut)).To(HaveKeyWithValue("count", BeNumerically("==", 3)))
		})
	})

	Context("when binding flags", func() {
		var (
			opts Options
			fs   *pflag.FlagSet
		)

		BeforeEach(func() {
			opts = Options{}
			fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
			opts.BindFlags(fs)
		})

		It("should accept named and numeric levels", func() {
			Expect(fs.Parse([]string{"--zap-log-level=debug"})).To(Succeed())
			Expect(opts.Level.Enabled(zapcore.DebugLevel)).To(BeTrue())

			Expect(fs.Parse([]string{"--zap-log-level=2"})).To(Succeed())
			Expect(opts.Level.Enabled(zapcore.Level(-2))).To(BeTrue())
			Expect(opts.Level.Enabled(zapcore.Level(-3))).To(BeFalse())
		})

		It("should reject unknown encoders and levels", func() {
			Expect(fs.Parse([]string{"--zap-encoder=xml"})).NotTo(Succeed())
			Expect(fs.Parse([]string{"--zap-log-level=-1"})).NotTo(Succeed())
			Expect(fs.Parse([]string{"--zap-stacktrace-level=debug"})).NotTo(Succeed())
		})

		It("should build a development console logger from the flags", func() {
			out := new(bytes.Buffer)
			Expect(fs.Parse([]string{"--zap-devel", "--zap-encoder=console"})).To(Succeed())
			opts.DestWriter = out
			logger := New(UseFlagOptions(&opts))
			logger.V(1).Info("debug output")
			Expect(out.String()).To(ContainSubstring("debug output"))
		})
	})
})
