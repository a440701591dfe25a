package lorasim

const crc16Poly = 0x1021

// CRC16 computes the CCITT CRC over data with polynomial 0x1021, initial
// value 0 and MSB-first bit order (CRC-16/XMODEM).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		for bit := 0; bit < 8; bit++ {
			if (byte(crc>>8)^b)&0x80 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// loraPayloadCRC returns the CRC a LoRa transmitter appends to payload:
// the CRC16 of all but the last two bytes, XORed with those two bytes
// taken big-endian. payload must be at least two bytes long.
func loraPayloadCRC(payload []byte) uint16 {
	n := len(payload)
	crc := CRC16(payload[:n-2])
	return crc ^ uint16(payload[n-1]) ^ uint16(payload[n-2])<<8
}

// AppendLoRaCRC appends the little-endian LoRa payload CRC to payload.
// Payloads shorter than two bytes get a plain CRC16.
func AppendLoRaCRC(payload []byte) []byte {
	var crc uint16
	if len(payload) < 2 {
		crc = CRC16(payload)
	} else {
		crc = loraPayloadCRC(payload)
	}
	return append(payload, byte(crc), byte(crc>>8))
}
