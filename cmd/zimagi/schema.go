package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command...]",
		Short: "List commands or print a command's parameter schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), "schema", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, action := range a.Registry.Actions() {
					fmt.Fprintf(out, "%-16s %s\n", action.Name(), action.Spec().Help)
				}
				return nil
			}
			sch, err := a.Registry.Schema(strings.Join(args, " "))
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(sch, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}
