package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coriolis-automation/goeip/pkg/client"
)

func newListIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-identity",
		Short: "Query ListIdentity/ListServices against a single known gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient(flagAddr, logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			identities, err := c.ListIdentity()
			if err != nil {
				return fmt.Errorf("list identity: %w", err)
			}
			fmt.Printf("%d identities\n", len(identities))
			for i, id := range identities {
				port := uint16(id.SocketAddr[2])<<8 | uint16(id.SocketAddr[3])
				ip := fmt.Sprintf("%d.%d.%d.%d", id.SocketAddr[4], id.SocketAddr[5], id.SocketAddr[6], id.SocketAddr[7])
				fmt.Printf("identity %d: %s:%d vendor=%d device_type=%d product=%d rev=%d.%d serial=0x%08X name=%q\n",
					i+1, ip, port, id.VendorID, id.DeviceType, id.ProductCode, id.Revision[0], id.Revision[1], id.SerialNumber, id.ProductName)
			}

			services, err := c.ListServices()
			if err != nil {
				return fmt.Errorf("list services: %w", err)
			}
			fmt.Printf("%d services\n", len(services))
			for i, s := range services {
				fmt.Printf("service %d: version=%d flags=0x%04X name=%q\n", i+1, s.Version, s.CapabilityFlags, s.Name)
			}
			return nil
		},
	}
}
