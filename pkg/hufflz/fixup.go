package hufflz

// Unfix converts the absolute targets of Thumb BL instruction pairs back into
// PC relative offsets. loadAddr is the address b is linked at.
func Unfix(b []byte, loadAddr uint32) {
	thumbBL(b, loadAddr, false)
}

// Fix is the inverse of Unfix; it is applied before compression.
func Fix(b []byte, loadAddr uint32) {
	thumbBL(b, loadAddr, true)
}

func thumbBL(b []byte, loadAddr uint32, encoding bool) {
	for i := 0; i+4 <= len(b); i += 2 {
		if b[i+1]&0xF8 != 0xF0 || b[i+3]&0xF8 != 0xF8 {
			continue
		}

		src := (uint32(b[i+1])&7)<<19 |
			uint32(b[i])<<11 |
			(uint32(b[i+3])&7)<<8 |
			uint32(b[i+2])
		src <<= 1

		pc := loadAddr + uint32(i) + 4
		var dest uint32
		if encoding {
			dest = src + pc
		} else {
			dest = src - pc
		}
		dest >>= 1

		b[i+1] = 0xF0 | byte(dest>>19)&7
		b[i] = byte(dest >> 11)
		b[i+3] = 0xF8 | byte(dest>>8)&7
		b[i+2] = byte(dest)
		i += 2
	}
}
