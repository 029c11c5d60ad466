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
	"io/fs"
	"log"
	"strings"

	"github.com/c2FmZQ/storage"
)

const accessPolicyFile = "sys_access_policy"

// UserAccessPolicy defines global access rules and quotas.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxTeams    int                     `json:"defaultMaxTeams"`
	DefaultMaxMatches  int                     `json:"defaultMaxMatches"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access     string `json:"access"` // "allow" or "deny"
	MaxTeams   int    `json:"maxTeams"`
	MaxMatches int    `json:"maxMatches"`
}

// DefaultAccessPolicy is the policy in effect when none was saved.
func DefaultAccessPolicy() *UserAccessPolicy {
	return &UserAccessPolicy{
		DefaultPolicy: "allow",
		Admins:        []string{},
		Users:         make(map[string]UserOverride),
	}
}

// Validate normalizes user keys and checks the default policy.
func (p *UserAccessPolicy) Validate() error {
	if p.DefaultPolicy != "allow" && p.DefaultPolicy != "deny" {
		return fmt.Errorf("invalid default policy %q", p.DefaultPolicy)
	}
	users := make(map[string]UserOverride, len(p.Users))
	for email, o := range p.Users {
		if o.Access != "" && o.Access != "allow" && o.Access != "deny" {
			return fmt.Errorf("invalid access %q for %s", o.Access, email)
		}
		users[normalizeEmail(email)] = o
	}
	p.Users = users
	return nil
}

// LoadAccessPolicy reads the saved policy. It returns nil, nil when no
// policy was ever saved.
func LoadAccessPolicy(s *storage.Storage) (*UserAccessPolicy, error) {
	var p UserAccessPolicy
	if err := s.ReadDataFile(accessPolicyFile, &p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// SaveAccessPolicy persists the policy.
func SaveAccessPolicy(s *storage.Storage, p *UserAccessPolicy) error {
	return s.SaveDataFile(accessPolicyFile, p)
}

// AccessControl manages user permissions and quotas.
type AccessControl struct {
	r *Registry
	// Bootstrap admin email (from flag)
	bootstrapAdmin string
}

// NewAccessControl creates a new AccessControl service.
func NewAccessControl(r *Registry, bootstrapAdmin string) *AccessControl {
	return &AccessControl{
		r:              r,
		bootstrapAdmin: normalizeEmail(bootstrapAdmin),
	}
}

// IsAllowed checks if a user is allowed to use the service.
// Returns allowed status and a denial message (if denied).
func (ac *AccessControl) IsAllowed(email string) (bool, string) {
	if email == "" {
		return false, "Authentication required"
	}
	if ac.IsAdmin(email) {
		return true, ""
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return true, ""
	}
	if override, ok := policy.Users[normalizeEmail(email)]; ok && override.Access != "" {
		if override.Access == "deny" {
			log.Printf("[AUTH] %s denied by override", maskEmail(email))
			return false, policy.DefaultDenyMessage
		}
		return true, ""
	}
	if policy.DefaultPolicy == "deny" {
		return false, policy.DefaultDenyMessage
	}
	return true, ""
}

// IsAdmin checks if a user has admin privileges.
func (ac *AccessControl) IsAdmin(email string) bool {
	email = normalizeEmail(email)
	if email == "" {
		return false
	}
	if ac.bootstrapAdmin != "" && email == ac.bootstrapAdmin {
		return true
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return false
	}
	for _, admin := range policy.Admins {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

// GetUserQuotas returns the effective max matches and teams for a user.
// Zero means unlimited.
func (ac *AccessControl) GetUserQuotas(email string) (maxMatches, maxTeams int) {
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return 0, 0
	}
	maxMatches = policy.DefaultMaxMatches
	maxTeams = policy.DefaultMaxTeams
	if override, ok := policy.Users[normalizeEmail(email)]; ok {
		if override.MaxMatches != 0 {
			maxMatches = override.MaxMatches
		}
		if override.MaxTeams != 0 {
			maxTeams = override.MaxTeams
		}
	}
	return
}

// CheckMatchQuota verifies that a user can create a new match.
func (ac *AccessControl) CheckMatchQuota(email string, currentCount int) error {
	limit, _ := ac.GetUserQuotas(email)
	if limit != 0 && currentCount >= limit {
		return fmt.Errorf("match limit reached (%d)", limit)
	}
	return nil
}

// CheckTeamQuota verifies that a user can create a new team.
func (ac *AccessControl) CheckTeamQuota(email string, currentCount int) error {
	_, limit := ac.GetUserQuotas(email)
	if limit != 0 && currentCount >= limit {
		return fmt.Errorf("team limit reached (%d)", limit)
	}
	return nil
}
