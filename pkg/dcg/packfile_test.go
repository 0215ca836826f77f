package dcg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customPackYAML = `name: team-guard
version: "0.1.0"
rules:
  - ruleId: team-drop-table
    pattern: "DROP TABLE"
    severity: critical
    reason: destroys a database table
  - ruleId: team-force-anything
    pattern: '--force\b'
    kind: regex
    severity: low
`

func TestLoadPacksDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team.yaml"), []byte(customPackYAML), 0o600))

	packs, err := LoadPacksDir(dir)
	require.NoError(t, err)
	require.Len(t, packs, len(BuiltinPacks())+1)

	custom := packs[len(packs)-1]
	assert.Equal(t, "team-guard", custom.Name)
	require.Len(t, custom.Rules, 2)
	// Defaults fill in omitted fields.
	assert.Equal(t, PatternLiteral, custom.Rules[0].Kind)
	assert.Equal(t, ContextAmbiguous, custom.Rules[0].ContextClassification)
	assert.Equal(t, PatternRegex, custom.Rules[1].Kind)
}

func TestLoadPacksDirMissingIsBuiltinsOnly(t *testing.T) {
	packs, err := LoadPacksDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Len(t, packs, len(BuiltinPacks()))
}

func TestLoadPackFileRejectsBadDefinitions(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"noname.yaml":   "rules:\n  - ruleId: r\n    pattern: x\n    severity: low\n",
		"badsev.yaml":   "name: p\nrules:\n  - ruleId: r\n    pattern: x\n    severity: fatal\n",
		"badregex.yaml": "name: p\nrules:\n  - ruleId: r\n    pattern: '('\n    kind: regex\n    severity: low\n",
		"norules.yaml":  "name: p\nrules: []\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := LoadPackFile(path)
		assert.Error(t, err, name)
	}
}
