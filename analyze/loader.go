package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vigil/core"
)

// ruleFile is the on-disk shape of a rule file: a list of rules under a
// top-level key.
type ruleFile struct {
	Rules []*core.Rule `json:"rules" yaml:"rules"`
}

// Loader reads detection rules from a directory of YAML/JSON files. Files are
// schema-checked (when a rules_schema.json is present in the directory) and
// every rule is validated before the set is handed to the store.
type Loader struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewLoader creates a rule loader for the given directory.
func NewLoader(dir string, logger *zap.SugaredLogger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Load reads, validates and returns all rules in the directory. A failure in
// any file fails the whole load, so a reload never installs a partial set.
func (l *Loader) Load() ([]*core.Rule, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory %s: %w", l.dir, err)
	}

	schema := l.loadSchema()

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".json") {
			if name == "rules_schema.json" {
				continue
			}
			files = append(files, filepath.Join(l.dir, name))
		}
	}
	sort.Strings(files)

	var rules []*core.Rule
	names := make(map[string]string)
	for _, file := range files {
		fileRules, err := l.loadFile(file, schema)
		if err != nil {
			return nil, err
		}
		for _, rule := range fileRules {
			if prev, dup := names[rule.Name]; dup {
				return nil, fmt.Errorf("duplicate rule name %q in %s (first defined in %s)", rule.Name, file, prev)
			}
			names[rule.Name] = file
			rules = append(rules, rule)
		}
	}

	l.logger.Infof("Loaded %d rules from %d files in %s", len(rules), len(files), l.dir)
	return rules, nil
}

// loadSchema reads the optional JSON schema for rule files.
func (l *Loader) loadSchema() gojsonschema.JSONLoader {
	schemaPath := filepath.Join(l.dir, "rules_schema.json")
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		l.logger.Debugw("Rule schema not found, skipping schema validation", "path", schemaPath)
		return nil
	}
	return gojsonschema.NewBytesLoader(data)
}

func (l *Loader) loadFile(filename string, schema gojsonschema.JSONLoader) ([]*core.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", filename, err)
	}

	// Schema validation works on JSON, so YAML files are decoded to a
	// generic document first.
	var doc interface{}
	if strings.HasSuffix(filename, ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", filename, err)
	}

	if schema != nil {
		result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to validate %s against schema: %w", filename, err)
		}
		if !result.Valid() {
			var errs []string
			for _, desc := range result.Errors() {
				errs = append(errs, desc.String())
			}
			return nil, fmt.Errorf("rules file %s failed schema validation: %s", filename, strings.Join(errs, "; "))
		}
	}

	var parsed ruleFile
	if strings.HasSuffix(filename, ".json") {
		err = json.Unmarshal(data, &parsed)
	} else {
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules file %s: %w", filename, err)
	}

	for _, rule := range parsed.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", filename, err)
		}
	}
	return parsed.Rules, nil
}
