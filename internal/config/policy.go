package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// Policy actions.
const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// PeerPolicy is one peer admission rule loaded from a policy file.
type PeerPolicy struct {
	ID           string   `yaml:"id"`
	Hosts        []string `yaml:"hosts"`        // glob patterns over the remote host
	Fingerprints []string `yaml:"fingerprints"` // glob patterns over the peer key fingerprint
	Action       string   `yaml:"action"`       // allow or deny
	MaxFileSize  int64    `yaml:"max_file_size,omitempty"`
}

func (p *PeerPolicy) matchesHost(host string) bool {
	for _, pattern := range p.Hosts {
		if glob.Glob(pattern, host) {
			return true
		}
	}
	return false
}

func (p *PeerPolicy) matchesFingerprint(fp string) bool {
	for _, pattern := range p.Fingerprints {
		if glob.Glob(pattern, fp) {
			return true
		}
	}
	return false
}

// PolicyManager decides which peers may open sessions.
type PolicyManager struct {
	mu       sync.RWMutex
	policies []*PeerPolicy
	allow    []string
}

// NewPolicyManager creates a manager whose fallback rule admits hosts
// matching any allow pattern. An empty allow list admits every host.
func NewPolicyManager(allow []string) *PolicyManager {
	return &PolicyManager{
		policies: make([]*PeerPolicy, 0),
		allow:    allow,
	}
}

// LoadPolicies loads policy files matching the given path patterns,
// replacing any previously loaded policies.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PeerPolicy, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PeerPolicy
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Hosts) == 0 && len(policy.Fingerprints) == 0 {
				return fmt.Errorf("policy %s must specify at least one host or fingerprint pattern", policy.ID)
			}
			if policy.Action == "" {
				policy.Action = PolicyAllow
			}
			if policy.Action != PolicyAllow && policy.Action != PolicyDeny {
				return fmt.Errorf("policy %s has invalid action %q (must be allow or deny)", policy.ID, policy.Action)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// SetAllow replaces the fallback allow list (used on config reload).
func (pm *PolicyManager) SetAllow(allow []string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.allow = allow
}

// AdmitHost reports whether a connection from remoteAddr (host or host:port)
// may proceed to the handshake, and the policy that decided it, if any.
func (pm *PolicyManager) AdmitHost(remoteAddr string) (bool, *PeerPolicy) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, p := range pm.policies {
		if p.matchesHost(host) {
			return p.Action == PolicyAllow, p
		}
	}

	if len(pm.allow) == 0 {
		return true, nil
	}
	for _, pattern := range pm.allow {
		if glob.Glob(pattern, host) {
			return true, nil
		}
	}
	return false, nil
}

// AdmitFingerprint reports whether a peer whose key has the given
// fingerprint may keep its session after the handshake. Fingerprints
// matched by no policy are admitted.
func (pm *PolicyManager) AdmitFingerprint(fingerprint string) (bool, *PeerPolicy) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, p := range pm.policies {
		if p.matchesFingerprint(fingerprint) {
			return p.Action == PolicyAllow, p
		}
	}
	return true, nil
}
