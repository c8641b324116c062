package commands

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// modelDocument is the printed form of a model.
type modelDocument struct {
	Name     string          `json:"name" yaml:"name"`
	Path     string          `json:"path" yaml:"path"`
	Modified time.Time       `json:"modified" yaml:"modified"`
	Sources  []*model.Source `json:"sources" yaml:"sources"`
}

// NewModelCommand creates the model command.
func NewModelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "model",
		Short: "Validate and print the model",
		Long: `Load the model file, validate it and print the sources, fields and
views it defines. Prints YAML by default and JSON with -o json.`,
		RunE: runModel,
	}
}

func runModel(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := commandConfig(cmd)
	if err != nil {
		return err
	}

	loader := model.NewLoader(cfg.Model, logger)
	m, err := loader.Load(cmd.Context())
	if err != nil {
		return err
	}
	modified, err := loader.Stat()
	if err != nil {
		return err
	}

	doc := modelDocument{Name: m.Name, Path: m.Path, Modified: modified.UTC(), Sources: m.Sources}
	if cfg.Output == config.OutputJSON {
		return renderJSON(cmd.OutOrStdout(), doc)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return enc.Close()
}
