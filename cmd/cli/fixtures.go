package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"finpilot/internal/models"

	"gopkg.in/yaml.v3"
)

// loadHistory reads a YAML (or JSON) history fixture. Amounts are decimal strings or
// numbers; dates are YYYY-MM-DD or RFC 3339.
func loadHistory(path string) (*models.FinancialHistory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history fixture: %w", err)
	}
	var h models.FinancialHistory
	if err := yaml.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("parse history fixture %s: %w", path, err)
	}
	if h.TenantID == "" {
		return nil, fmt.Errorf("history fixture %s: tenant_id is required", path)
	}
	return &h, nil
}

// decodeYAMLInto parses YAML into a generic tree and re-decodes it as JSON so types that
// only carry json tags (rules, triggers) keep their wire names.
func decodeYAMLInto(r io.Reader, out interface{}) error {
	var raw interface{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func loadRule(path string) (*models.AutomationRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	var rule models.AutomationRule
	if err := decodeYAMLInto(f, &rule); err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return &rule, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
