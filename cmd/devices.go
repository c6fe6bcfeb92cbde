package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/tofnode/internal/devices"
	"github.com/spf13/cobra"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List V4L2 capture devices",
		Long:  `Lists capture-capable V4L2 nodes and whether they advertise the packed 12-bit Y12P format depth sensors deliver.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := devices.NewDetector().FindDevices()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(found)
			}
			return printDevices(cmd.OutOrStdout(), found)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printDevices(w io.Writer, found []devices.DeviceInfo) error {
	if len(found) == 0 {
		_, err := fmt.Fprintln(w, "No V4L2 capture devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tNAME\tDRIVER\tY12P\tSIZES\tID")
	for _, d := range found {
		y12p := "no"
		if d.Y12P {
			y12p = "yes"
			if d.MaxFPS > 0 {
				y12p = fmt.Sprintf("yes (%.0f fps)", d.MaxFPS)
			}
		}
		sizes := strings.Join(d.Sizes, ",")
		if sizes == "" {
			sizes = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.DevicePath, d.DeviceName, d.Driver, y12p, sizes, d.DeviceID)
	}
	return tw.Flush()
}
