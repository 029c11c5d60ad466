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

package backend

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage/crypto"
)

// ErrUnencryptedData is returned when a data directory holds a master key
// but no passphrase was given.
var ErrUnencryptedData = errors.New("master.key exists but no passphrase is set")

// LoadMasterKey opens the master key of dataDir with passphrase. When
// create is set, a missing key is generated and saved. An empty passphrase
// returns a nil key, meaning unencrypted storage.
func LoadMasterKey(dataDir, passphrase string, create bool) (crypto.MasterKey, error) {
	keyFile := filepath.Join(dataDir, "master.key")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, fmt.Errorf("%s: %w", keyFile, ErrUnencryptedData)
		}
		log.Println("Warning: No WK_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil, nil
	}

	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err == nil {
		log.Println("Loaded master encryption key.")
		return masterKey, nil
	}
	if !os.IsNotExist(err) || !create {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	log.Println("Initializing new master encryption key...")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if masterKey, err = crypto.CreateMasterKey(); err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
		return nil, fmt.Errorf("failed to save master key: %w", err)
	}
	return masterKey, nil
}
