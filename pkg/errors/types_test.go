// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"
)

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "run", ID: "run-42"}
	if got := err.Error(); got != "run not found: run-42" {
		t.Errorf("Error() = %q", got)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
	if !IsNotFound(Wrap(err, "getting status")) {
		t.Error("IsNotFound() should see through wrapping")
	}
}

func TestStorageError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := &StorageError{Backend: "redis", Op: "emit_event", Cause: cause}

	if !strings.Contains(err.Error(), "emit_event") {
		t.Errorf("Error() = %q, want operation name included", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
	if !IsStorage(err) {
		t.Error("IsStorage() = false, want true")
	}
	if IsNotFound(err) {
		t.Error("storage errors must not classify as not-found")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "event read", Duration: 2 * time.Second}
	if !strings.Contains(err.Error(), "event read") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Key: "redis.url", Reason: "invalid URL"}
	want := "config error at redis.url: invalid URL"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &ConfigError{Reason: "unreadable file"}
	if bare.Error() != "config error: unreadable file" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
