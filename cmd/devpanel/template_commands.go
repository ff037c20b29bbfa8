package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/devpanel/pkg/template"
)

type TemplateFlags struct {
	Format  string
	DataDir string
	Output  string
	Force   bool
	List    bool
}

func createTemplateCommand() *cobra.Command {
	flags := &TemplateFlags{}
	cmd := &cobra.Command{
		Use:   "template [kind...]",
		Short: "Print starter server definitions",
		Long: `Render [[servers]] definitions for common development servers. The output
can be pasted into devpanel.toml and adjusted.

Supported kinds: ` + strings.Join(template.SupportedKinds(), ", ") + `

Examples:
  devpanel template nginx php mariadb
  devpanel template redis --format json
  devpanel template postgresql --data-dir ./data -o devpanel.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.List {
				for _, k := range template.SupportedKinds() {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("at least one kind is required (supported: %s)", strings.Join(template.SupportedKinds(), ", "))
			}
			b, err := renderTemplates(args, flags)
			if err != nil {
				return err
			}
			if flags.Output == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if _, err := os.Stat(flags.Output); err == nil && !flags.Force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", flags.Output)
			}
			if err := os.WriteFile(flags.Output, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", flags.Output, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flags.Output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.Format, "format", "f", "toml", "output format: toml or json")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "root for generated data directories")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")
	cmd.Flags().BoolVar(&flags.List, "list", false, "list supported kinds")
	return cmd
}

func renderTemplates(args []string, flags *TemplateFlags) ([]byte, error) {
	kinds := make([]template.Kind, 0, len(args))
	for _, a := range args {
		k, err := template.ParseKind(a)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	ts, err := template.NewGenerator(flags.DataDir).GenerateAll(kinds...)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(flags.Format) {
	case "", "toml":
		return template.TOML(ts...)
	case "json":
		b, err := template.JSON(ts...)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown format %q (toml or json)", flags.Format)
	}
}
