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
	"encoding/hex"
	"fmt"

	"github.com/blacktop/fwextract/internal/colors"
	"github.com/blacktop/fwextract/internal/commands/extract"
	"github.com/blacktop/fwextract/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.Flags().Bool("show", false, "Print key material instead of labels")
}

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the builtin and configured keys per format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		show, _ := cmd.Flags().GetBool("show")

		list, err := extract.ListKeys(conf.Keys)
		if err != nil {
			return err
		}
		for _, fk := range list {
			fmt.Println(colors.Format().Sprint(fk.Format))
			for _, k := range fk.Keys {
				line := utils.Pad(2) + colors.Label().Sprint(k.String())
				if show {
					line += utils.Pad(1) + colors.Secret().Sprint(hex.EncodeToString(k.Key))
					if len(k.IV) > 0 {
						line += utils.Pad(1) + colors.Secret().Sprint("iv="+hex.EncodeToString(k.IV))
					}
				}
				fmt.Println(line)
			}
			for _, p := range fk.Passphrases {
				if !show {
					p = fmt.Sprintf("passphrase (%d chars)", len(p))
				}
				fmt.Println(utils.Pad(2) + colors.Label().Sprint(p))
			}
		}
		return nil
	},
}
