package analyze

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoaderLoadsYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "auth.yaml", `
rules:
  - name: root-login
    type: immediate
    severity: critical
    enabled: true
    match:
      - field: event_type
        operator: eq
        value: auth.success
      - field: user
        operator: eq
        value: root
`)
	writeRuleFile(t, dir, "scan.json", `{
  "rules": [
    {
      "name": "port-scan",
      "type": "threshold",
      "severity": "high",
      "enabled": true,
      "match": [{"field": "event_type", "operator": "eq", "value": "net.connect"}],
      "window": "60s",
      "threshold": 20,
      "group_by": ["src_ip"]
    }
  ]
}`)

	loader := NewLoader(dir, zap.NewNop().Sugar())
	rules, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, rules, 2)

	names := []string{rules[0].Name, rules[1].Name}
	assert.Contains(t, names, "root-login")
	assert.Contains(t, names, "port-scan")
}

func TestLoaderRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	rule := `
rules:
  - name: same-name
    type: immediate
    severity: low
    enabled: true
    match:
      - field: event_type
        operator: eq
        value: x
`
	writeRuleFile(t, dir, "a.yaml", rule)
	writeRuleFile(t, dir, "b.yaml", rule)

	loader := NewLoader(dir, zap.NewNop().Sugar())
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
}

func TestLoaderInvalidRuleFailsWholeLoad(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "good.yaml", `
rules:
  - name: fine
    type: immediate
    severity: low
    enabled: true
    match:
      - field: event_type
        operator: eq
        value: x
`)
	writeRuleFile(t, dir, "bad.yaml", `
rules:
  - name: broken
    type: threshold
    severity: high
    enabled: true
    match:
      - field: event_type
        operator: eq
        value: x
    window: 60s
    threshold: 0
    group_by: [src_ip]
`)

	loader := NewLoader(dir, zap.NewNop().Sugar())
	_, err := loader.Load()
	require.Error(t, err, "one invalid rule poisons the entire load")
}

func TestLoaderSchemaValidation(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules_schema.json", `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type", "severity"]
      }
    }
  }
}`)
	writeRuleFile(t, dir, "missing-type.yaml", `
rules:
  - name: no-type-field
    severity: low
`)

	loader := NewLoader(dir, zap.NewNop().Sugar())
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestLoaderMissingDirectory(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), zap.NewNop().Sugar())
	_, err := loader.Load()
	require.Error(t, err)
}
