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
	"errors"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/fwextract/internal/colors"
	"github.com/blacktop/fwextract/internal/commands/extract"
	"github.com/blacktop/fwextract/internal/utils"
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/caarlos0/ctrlc"
	perrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().Bool("dump-headers", false, "Hex dump decrypted headers and tables")
	extractCmd.Flags().Bool("keep-raw", false, "Keep compressed artifacts and raw bytes of failed segments")
	extractCmd.Flags().StringP("format", "f", "", "Only try this format instead of probing all of them")
	extractCmd.Flags().StringP("output", "o", "", "Folder to extract files to (overrides <OUTPUT>)")
	extractCmd.MarkFlagDirname("output")
	viper.BindPFlag("extract.dump-headers", extractCmd.Flags().Lookup("dump-headers"))
	viper.BindPFlag("extract.keep-raw", extractCmd.Flags().Lookup("keep-raw"))
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <FIRMWARE> [OUTPUT]",
	Short: "Detect the firmware format and unpack its contents",
	Example: heredoc.Doc(`
		# Unpack a firmware image into a folder
		❯ fwextract extract upgrade.epk out/
		# Use extra keys and keep the compressed payloads
		❯ fwextract extract --keys ~/keys.yaml --keep-raw drive.bin out/
		# Show the decrypted headers while extracting
		❯ fwextract extract -V --dump-headers update.pkg out/`),
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}

		out := conf.Extract.Output
		if len(args) > 1 && !cmd.Flags().Changed("output") {
			out = args[1]
		}
		if out == "" {
			return fmt.Errorf("no output folder given; pass <OUTPUT> or --output")
		}

		format, _ := cmd.Flags().GetString("format")

		var res *formats.Result
		if err := ctrlc.Default.Run(cmd.Context(), func() (err error) {
			res, err = extract.Firmware(&extract.Config{
				Input:       args[0],
				Output:      out,
				KeyDB:       conf.Keys,
				DumpHeaders: conf.Extract.DumpHeaders,
				KeepRaw:     conf.Extract.KeepRaw,
				Progress:    !conf.Verbose,
				Format:      format,
			})
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warnf("Interrupted, files already written to %s are kept", out)
				return err
			}
			report(res)
			return perrors.Wrapf(err, "failed to extract %s", args[0])
		}
		report(res)
		return nil
	},
}

func report(res *formats.Result) {
	if res != nil && len(res.Files) > 0 {
		log.Infof("Extracted %d files (%s)", len(res.Files), colors.Format().Sprint(res.Format))
		for _, f := range res.Files {
			utils.Indent(log.Debug, 2)(colors.Path().Sprint(f))
		}
	}
}
