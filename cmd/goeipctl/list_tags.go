package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coriolis-automation/goeip/pkg/client"
)

func newListTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tags",
		Short: "Enumerate controller-scoped tags via CipListTags",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient(flagAddr, logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			tags, err := c.ListTags()
			if err != nil {
				return fmt.Errorf("list tags: %w", err)
			}

			fmt.Printf("%d tags\n", len(tags))
			for _, t := range tags {
				fmt.Printf("  0x%08X  %-40s  %s\n", t.InstanceID, t.Name, t.Type)
			}
			return nil
		},
	}
}
