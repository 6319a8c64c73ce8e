package utils

import (
	"fmt"
	"strings"

	"github.com/blacktop/fwextract/internal/colors"
)

// HexDump returns a `hexdump -C` style dump of data. Offsets start at base and
// zero bytes are printed faint.
func HexDump(data []byte, base uint64) string {
	if len(data) == 0 {
		return ""
	}
	offset := colors.Offset().SprintFunc()
	zero := colors.Zero().SprintFunc()

	var sb strings.Builder
	sb.Grow((1 + (len(data)-1)/16) * 79)
	for line := 0; line < len(data); line += 16 {
		row := data[line:min(line+16, len(data))]
		sb.WriteString(offset(fmt.Sprintf("%016x:", base+uint64(line))))
		sb.WriteString("  ")
		for i := 0; i < 16; i++ {
			switch {
			case i >= len(row):
				sb.WriteString("   ")
			case row[i] == 0:
				sb.WriteString(zero("00"))
				sb.WriteByte(' ')
			default:
				fmt.Fprintf(&sb, "%02x ", row[i])
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")
		for _, b := range row {
			if b < 32 || b > 126 {
				sb.WriteString(zero("."))
				continue
			}
			sb.WriteByte(b)
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
