package app

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PrintConfig writes the effective configuration as YAML with credentials masked.
func (a *App) PrintConfig() error {
	out, err := yaml.Marshal(a.Config.Redacted())
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = a.Out.Write(out)
	return err
}
