// Package grid lays byte dumps and character cells out on fixed-width rows.
package grid

import (
	"fmt"
	"strings"
)

// Coords returns the column and row of cell index in a grid cols wide.
func Coords(index, cols int) (x, y int) {
	return index % cols, index / cols
}

// HexLines formats data as a hex dump with perLine bytes per row. Every
// row starts with the address of its first byte and ends with the
// printable ASCII of the row.
func HexLines(base uint32, data []byte, perLine int) []string {
	var lines []string
	for i := 0; i < len(data); i += perLine {
		row := data[i:min(i+perLine, len(data))]
		var hex, ascii strings.Builder
		for j := 0; j < perLine; j++ {
			if j < len(row) {
				fmt.Fprintf(&hex, "%02x ", row[j])
			} else {
				hex.WriteString("   ")
			}
		}
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		lines = append(lines, fmt.Sprintf("%08X  %s|%s|", base+uint32(i), hex.String(), ascii.String()))
	}
	return lines
}
