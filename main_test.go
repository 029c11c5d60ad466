// Copyright (c) 2026 TTBT Enterprises LLC
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
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("WK_RAFT_SECRET", "")
	t.Setenv("WK_REDIS_URL", "")

	cfg, err := parseFlags([]string{"--addr", ":9999", "--data-dir", "/tmp/wk", "--redis-max-len", "50"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.opts.Addr != ":9999" || cfg.opts.DataDir != "/tmp/wk" || cfg.redisMaxLen != 50 || !cfg.opts.UseProductionTimeouts {
		t.Errorf("config = %+v", cfg)
	}
	if cert, err := cfg.loadCert(); cert != nil || err != nil {
		t.Errorf("loadCert without files = %v, %v", cert, err)
	}
	if p, err := cfg.publisher(); p != nil || err != nil {
		t.Errorf("publisher without url = %v, %v", p, err)
	}
}

func TestParseFlagsRaftValidation(t *testing.T) {
	t.Setenv("WK_RAFT_SECRET", "")
	full := []string{"--raft", "--raft-advertise", "10.0.0.1:8081", "--cluster-advertise", "10.0.0.1:9090", "--raft-secret", "s"}
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{"ok", full, ""},
		{"no advertise", []string{"--raft"}, "--raft-advertise"},
		{"no cluster advertise", full[:3], "--cluster-advertise"},
		{"no secret", full[:5], "--raft-secret"},
		{"bootstrap and join", append(full, "--raft-bootstrap", "--raft-join", "10.0.0.2:9090"), "mutually exclusive"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFlags(tc.args)
			switch {
			case tc.want == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
