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

// Command readfile decodes stored match and team files for inspection.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/wicketkeeper/backend"
)

var (
	dataDir = flag.String("data-dir", "data", "Directory for match and team data")
)

func main() {
	flag.Parse()
	masterKey, err := backend.LoadMasterKey(*dataDir, os.Getenv("WK_MASTER_KEY"), false)
	if err != nil {
		log.Fatal(err)
	}
	store := storage.New(*dataDir, masterKey)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, arg := range flag.Args() {
		arg = strings.TrimPrefix(strings.TrimPrefix(arg, *dataDir), "/")
		var obj any
		switch {
		case strings.HasPrefix(arg, "matches/") && strings.HasSuffix(arg, ".meta.json"):
			obj = new(backend.MatchMetadata)
		case strings.HasPrefix(arg, "matches/"):
			obj = new(backend.MatchDocument)
		case strings.HasPrefix(arg, "teams/"):
			obj = new(backend.Team)
		default:
			obj = new(json.RawMessage)
		}
		if err := store.ReadDataFile(arg, obj); err != nil {
			log.Printf("%s: %v", arg, err)
			continue
		}
		fmt.Printf("=========== %s ===========\n", arg)
		if err := enc.Encode(obj); err != nil {
			log.Printf("JSON: %s: %v", arg, err)
		}
	}
}
