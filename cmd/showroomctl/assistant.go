package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAssistantCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Inspect the configured remote assistant",
	}
	cmd.AddCommand(newAssistantInfoCmd(a))
	return cmd
}

func newAssistantInfoCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the assistant's name, model and tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := a.describe(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "id:     %s\n", info.ID)
			fmt.Fprintf(out, "name:   %s\n", info.Name)
			fmt.Fprintf(out, "model:  %s\n", info.Model)
			fmt.Fprintf(out, "tools:  %s\n", strings.Join(info.Tools, ", "))
			if info.Instructions != "" {
				fmt.Fprintf(out, "\n%s\n", info.Instructions)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
