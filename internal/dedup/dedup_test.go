// Copyright (c) 2026 John Earle
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

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	got := Key("madrid", "leaks", "<abc@vendor.example>")
	if got != "devicehandler:seen:madrid:leaks:<abc@vendor.example>" {
		t.Errorf("key = %q", got)
	}
}

func TestNewFilter_DefaultTTL(t *testing.T) {
	if f := NewFilter(nil, 0); f.ttl != DefaultTTL {
		t.Errorf("ttl = %v", f.ttl)
	}
	if f := NewFilter(nil, time.Hour); f.ttl != time.Hour {
		t.Errorf("ttl = %v", f.ttl)
	}
}

// TestIsNew_Unreachable verifies Redis failures surface as errors.
func TestIsNew_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	f := NewFilter(rdb, 0)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.IsNew(ctx, Key("t", "m", "id")); err == nil {
		t.Error("expected error from unreachable redis")
	}
}
