package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coriolis-automation/goeip/pkg/client"
)

func newWriteTagCmd() *cobra.Command {
	var (
		tagName  string
		valueStr string
		typeStr  string
	)

	cmd := &cobra.Command{
		Use:   "write-tag",
		Short: "Write a scalar value to a tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tagName == "" || valueStr == "" || typeStr == "" {
				return fmt.Errorf("--tag, --value and --type are all required")
			}

			value, err := parseWriteValue(typeStr, valueStr)
			if err != nil {
				return err
			}

			c, err := client.NewClient(flagAddr, logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			if err := c.WriteTag(tagName, value); err != nil {
				return fmt.Errorf("write tag %q: %w", tagName, err)
			}
			fmt.Println("write OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&tagName, "tag", "", "tag name to write (required)")
	cmd.Flags().StringVar(&valueStr, "value", "", "value to write, parsed per --type (required)")
	cmd.Flags().StringVar(&typeStr, "type", "", "BOOL, SINT, INT, DINT, LINT, USINT, UINT, UDINT, ULINT, REAL, LREAL, STRING (required)")
	return cmd
}

// parseWriteValue mirrors the teacher's cmd/write_tag_single type switch,
// converting the flag string into the Go type pkg/client.WriteTag expects
// for each CIP atomic type.
func parseWriteValue(typeStr, valueStr string) (any, error) {
	switch typeStr {
	case "BOOL":
		return strconv.ParseBool(valueStr)
	case "SINT":
		v, err := strconv.ParseInt(valueStr, 10, 8)
		return int8(v), err
	case "INT":
		v, err := strconv.ParseInt(valueStr, 10, 16)
		return int16(v), err
	case "DINT":
		v, err := strconv.ParseInt(valueStr, 10, 32)
		return int32(v), err
	case "LINT":
		return strconv.ParseInt(valueStr, 10, 64)
	case "USINT":
		v, err := strconv.ParseUint(valueStr, 10, 8)
		return uint8(v), err
	case "UINT":
		v, err := strconv.ParseUint(valueStr, 10, 16)
		return uint16(v), err
	case "UDINT":
		v, err := strconv.ParseUint(valueStr, 10, 32)
		return uint32(v), err
	case "ULINT":
		return strconv.ParseUint(valueStr, 10, 64)
	case "REAL":
		v, err := strconv.ParseFloat(valueStr, 32)
		return float32(v), err
	case "LREAL":
		return strconv.ParseFloat(valueStr, 64)
	case "STRING":
		return valueStr, nil
	default:
		return nil, fmt.Errorf("unsupported --type %q", typeStr)
	}
}
