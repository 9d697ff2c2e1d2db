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

package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// LastAppliedAnnotation is written by kubectl and never part of the essence.
const LastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// Essence returns the content of obj that its owner controls: every
// top-level field except apiVersion, kind, metadata and status, plus the
// labels and annotations. Annotations whose key belongs to one of the
// reserved prefixes (the domain part of the key equals the prefix or is a
// subdomain of it) are left out, as is kubectl's last-applied annotation.
// Finalizers and all other system metadata are left out. The result shares
// nothing with obj.
func Essence(obj *unstructured.Unstructured, reservedPrefixes ...string) map[string]interface{} {
	if obj == nil {
		return nil
	}
	essence := map[string]interface{}{}
	for k, v := range obj.Object {
		switch k {
		case "apiVersion", "kind", "metadata", "status":
			continue
		}
		essence[k] = runtime.DeepCopyJSONValue(v)
	}

	metadata := map[string]interface{}{}
	if labels := obj.GetLabels(); len(labels) > 0 {
		m := make(map[string]interface{}, len(labels))
		for k, v := range labels {
			m[k] = v
		}
		metadata["labels"] = m
	}
	annotations := map[string]interface{}{}
	for k, v := range obj.GetAnnotations() {
		if k == LastAppliedAnnotation || IsReserved(k, reservedPrefixes...) {
			continue
		}
		annotations[k] = v
	}
	if len(annotations) > 0 {
		metadata["annotations"] = annotations
	}
	if len(metadata) > 0 {
		essence["metadata"] = metadata
	}
	return essence
}

// IsReserved returns true if the annotation key belongs to one of prefixes.
func IsReserved(key string, prefixes ...string) bool {
	domain, _, found := strings.Cut(key, "/")
	if !found {
		return false
	}
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if domain == prefix || strings.HasSuffix(domain, "."+prefix) {
			return true
		}
	}
	return false
}

// Digest returns a short stable fingerprint of an essence.
func Digest(essence map[string]interface{}) string {
	// encoding/json sorts map keys, so equal essences marshal identically.
	data, err := json.Marshal(essence)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
