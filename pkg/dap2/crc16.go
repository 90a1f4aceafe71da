package dap2

// crcTable is the lookup table for CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF,
// no reflection, no final xor).
var crcTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

const crcInit uint16 = 0xFFFF

// updateCRC folds p into crc.
func updateCRC(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Checksum returns the CRC-16/CCITT-FALSE of the concatenation of parts.
func Checksum(parts ...[]byte) uint16 {
	crc := crcInit
	for _, p := range parts {
		crc = updateCRC(crc, p)
	}
	return crc
}
