package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [type]",
		Short: "Print the review stage sequence per document type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := workflow.DefaultCatalog()
			types := catalog.Types()
			if len(args) == 1 {
				category, err := workflow.ParseCategory(args[0])
				if err != nil {
					return err
				}
				types = []workflow.Category{category}
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, documentType := range types {
				resolved, stages := catalog.Resolve(documentType)
				if resolved != documentType {
					fmt.Fprintf(out, "%s (falls back to %s)\n", documentType, resolved)
				} else {
					fmt.Fprintf(out, "%s\n", documentType)
				}
				for i, stage := range stages {
					fmt.Fprintf(out, "  %d\t%s\t%s\t%s\t%dh\n", i+1, stage.Code, stage.Name, stage.Role, stage.SLAHours)
				}
			}
			return out.Flush()
		},
	}
}
