/*
Copyright © 2018-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/blacktop/fwextract/internal/colors"
	"github.com/blacktop/fwextract/pkg/comp"
	"github.com/blacktop/fwextract/pkg/formats/catalog"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(formatsCmd)
	formatsCmd.Flags().Bool("codecs", false, "List the payload codecs instead")
}

// formatsCmd represents the formats command
var formatsCmd = &cobra.Command{
	Use:     "formats",
	Aliases: []string{"fmt"},
	Short:   "List supported firmware formats in probe order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if codecs, _ := cmd.Flags().GetBool("codecs"); codecs {
			for _, name := range comp.Algorithms() {
				fmt.Println(name)
			}
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for i, f := range catalog.Formats() {
			fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, colors.Format().Sprint(f.Name()), f.Description())
		}
		return w.Flush()
	},
}
