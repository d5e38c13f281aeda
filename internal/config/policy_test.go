package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyLoadingAndMatching(t *testing.T) {
	tmpDir := t.TempDir()
	policyContent := `
id: "office-lan"
hosts:
  - "10.1.*"
  - "laptop.local"
action: allow
max_file_size: 1048576
`
	denyContent := `
id: "blocked"
hosts:
  - "10.1.9.*"
fingerprints:
  - "dead*"
action: deny
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a-deny.yaml"), []byte(denyContent), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "b-office.yaml"), []byte(policyContent), 0644))

	pm := NewPolicyManager([]string{"127.0.0.1"})
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(tmpDir, "*.yaml")}))

	tests := []struct {
		addr     string
		admitted bool
		policyID string
	}{
		{"10.1.2.3:5000", true, "office-lan"},
		{"laptop.local:5000", true, "office-lan"},
		{"10.1.9.7:5000", false, "blocked"},
		{"127.0.0.1:6000", true, ""},
		{"192.168.0.4:5000", false, ""},
		{"10.1.2.3", true, "office-lan"},
	}

	for _, tt := range tests {
		admitted, policy := pm.AdmitHost(tt.addr)
		assert.Equal(t, tt.admitted, admitted, "host %s", tt.addr)
		if tt.policyID == "" {
			assert.Nil(t, policy, "host %s", tt.addr)
		} else {
			require.NotNil(t, policy, "host %s", tt.addr)
			assert.Equal(t, tt.policyID, policy.ID)
		}
	}

	admitted, policy := pm.AdmitFingerprint("deadbeef00112233aabb")
	assert.False(t, admitted)
	require.NotNil(t, policy)
	assert.Equal(t, "blocked", policy.ID)

	admitted, policy = pm.AdmitFingerprint("0011223344556677aabb")
	assert.True(t, admitted)
	assert.Nil(t, policy)
}

func TestPolicyManager_EmptyAllowAdmitsAll(t *testing.T) {
	pm := NewPolicyManager(nil)
	admitted, _ := pm.AdmitHost("203.0.113.9:4444")
	assert.True(t, admitted)

	pm.SetAllow([]string{"10.*"})
	admitted, _ = pm.AdmitHost("203.0.113.9:4444")
	assert.False(t, admitted)
}

func TestPolicyValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing id",
			content: "hosts: [\"*\"]\n",
			errMsg:  "must have an ID",
		},
		{
			name:    "no patterns",
			content: "id: empty\n",
			errMsg:  "at least one host or fingerprint pattern",
		},
		{
			name:    "bad action",
			content: "id: x\nhosts: [\"*\"]\naction: maybe\n",
			errMsg:  "invalid action",
		},
		{
			name:    "invalid yaml",
			content: "id: [unclosed\n",
			errMsg:  "failed to parse policy file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "p.yaml"), []byte(tt.content), 0644))

			pm := NewPolicyManager(nil)
			err := pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPolicyDefaultActionIsAllow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.yaml"), []byte("id: friends\nfingerprints: [\"ab*\"]\n"), 0644))

	pm := NewPolicyManager(nil)
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))

	admitted, policy := pm.AdmitFingerprint("ab01")
	assert.True(t, admitted)
	require.NotNil(t, policy)
	assert.Equal(t, PolicyAllow, policy.Action)
}
