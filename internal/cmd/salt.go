package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/core/anonymizer"
)

var saltCmd = &cobra.Command{
	Use:   "salt",
	Short: "Generate anonymizer salts and derive subject keys",
}

var saltGenerateCmd = &cobra.Command{
	Use:   "generate [category...]",
	Short: "Print fresh random salts as .env lines",
	Long: `Print one random salt per category as GRIDLENS_ANONYMIZER_SALTS_<CATEGORY>
lines suitable for a .env file. Defaults to every well-known category.

Changing a salt changes every derived key, so existing jobs no longer
deduplicate against new ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		categories := args
		if len(categories) == 0 {
			categories = config.SaltCategories
		}
		for _, category := range categories {
			salt, err := anonymizer.GenerateSalt()
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s_ANONYMIZER_SALTS_%s", config.EnvPrefix, strings.ToUpper(strings.TrimSpace(category)))
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, salt); err != nil {
				return err
			}
		}
		return nil
	},
}

var saltDeriveCmd = &cobra.Command{
	Use:   "derive <category> <field> [field...]",
	Short: "Print the subject key for raw identifier fields",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		anon, err := anonymizer.New(cfg.Anonymizer.Salts)
		if err != nil {
			return err
		}
		key, err := anon.Derive(args[0], args[1:]...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
		return err
	},
}

var saltStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which anonymizer categories have salts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		required := make(map[string]bool, len(cfg.Anonymizer.Required))
		for _, category := range cfg.Anonymizer.Required {
			required[strings.ToLower(strings.TrimSpace(category))] = true
		}
		seen := make(map[string]bool)
		lines := []string{"Anonymizer salts", ""}
		for _, category := range append(append([]string{}, config.SaltCategories...), cfg.Anonymizer.Required...) {
			category = strings.ToLower(strings.TrimSpace(category))
			if category == "" || seen[category] {
				continue
			}
			seen[category] = true
			state := "missing"
			if strings.TrimSpace(cfg.Anonymizer.Salts[category]) != "" {
				state = "set"
			}
			if required[category] {
				state += " (required)"
			}
			lines = append(lines, fmt.Sprintf("%-14s %s", category, state))
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
		return err
	},
}

func init() {
	saltCmd.AddCommand(saltGenerateCmd, saltDeriveCmd, saltStatusCmd)
	rootCmd.AddCommand(saltCmd)
}
