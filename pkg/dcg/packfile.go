package dcg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// packFile is the on-disk YAML shape of a custom pack.
type packFile struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Rules   []struct {
		RuleID                string `yaml:"ruleId"`
		Pattern               string `yaml:"pattern"`
		Kind                  string `yaml:"kind"`
		Severity              string `yaml:"severity"`
		Reason                string `yaml:"reason"`
		ContextClassification string `yaml:"contextClassification"`
	} `yaml:"rules"`
}

// LoadPackFile parses and validates one YAML pack definition.
func LoadPackFile(path string) (Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, fmt.Errorf("reading pack file %s: %w", path, err)
	}
	var pf packFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Pack{}, gatewayerr.Wrap(gatewayerr.KindParseError, err, "parsing pack file %s", path)
	}
	if pf.Name == "" {
		return Pack{}, gatewayerr.New(gatewayerr.KindValidation, "pack file %s: name is required", path)
	}
	if len(pf.Rules) == 0 {
		return Pack{}, gatewayerr.New(gatewayerr.KindValidation, "pack %s: at least one rule is required", pf.Name)
	}

	pack := Pack{Name: pf.Name, Version: pf.Version}
	for i, r := range pf.Rules {
		rule := Rule{
			RuleID:                r.RuleID,
			Pattern:               r.Pattern,
			Kind:                  PatternKind(r.Kind),
			Severity:              Severity(r.Severity),
			Reason:                r.Reason,
			ContextClassification: ContextClassification(r.ContextClassification),
		}
		if rule.Kind == "" {
			rule.Kind = PatternLiteral
		}
		if rule.ContextClassification == "" {
			rule.ContextClassification = ContextAmbiguous
		}
		if rule.RuleID == "" || rule.Pattern == "" {
			return Pack{}, gatewayerr.New(gatewayerr.KindValidation,
				"pack %s rule %d: ruleId and pattern are required", pf.Name, i)
		}
		if !rule.Severity.Valid() {
			return Pack{}, gatewayerr.New(gatewayerr.KindValidation,
				"pack %s rule %s: unknown severity %q", pf.Name, rule.RuleID, r.Severity)
		}
		// Compile now so a broken pattern fails at load, not at evaluate.
		if _, err := compileRule(pack.Name, rule); err != nil {
			return Pack{}, gatewayerr.Wrap(gatewayerr.KindValidation, err, "pack %s", pf.Name)
		}
		pack.Rules = append(pack.Rules, rule)
	}
	return pack, nil
}

// LoadPacksDir returns the builtin packs plus every *.yaml/*.yml pack
// under dir, sorted by file name. An empty or missing dir yields just
// the builtins.
func LoadPacksDir(dir string) ([]Pack, error) {
	packs := BuiltinPacks()
	if dir == "" {
		return packs, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return packs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pack dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		pack, err := LoadPackFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, nil
}
