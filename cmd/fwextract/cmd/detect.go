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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/fwextract/internal/colors"
	"github.com/blacktop/fwextract/internal/commands/extract"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringP("format", "f", "", "Only check this format (see 'fwextract formats')")
}

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect <FIRMWARE>",
	Short: "Print the format of a firmware image",
	Example: heredoc.Doc(`
		❯ fwextract detect upgrade.epk
		upgrade.epk: epk3
		# Only check a single format
		❯ fwextract detect --format mtk-legacy upgrade.pkg`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		name, err := extract.Detect(&extract.Config{Input: args[0], KeyDB: conf.Keys, Format: format})
		if err != nil {
			return errors.Wrapf(err, "failed to detect %s", args[0])
		}
		fmt.Printf("%s: %s\n", args[0], colors.Format().Sprint(name))
		return nil
	},
}
