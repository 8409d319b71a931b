package orderbook

import (
	"hash/crc32"
	"strings"
)

// checksumDepth is the number of levels per side OKX includes in its
// order-book checksum.
const checksumDepth = 25

// Checksum computes the OKX book checksum over the current top of book:
// bid and ask "price:size" entries interleaved per level, colon-joined,
// CRC32-IEEE interpreted as a signed 32-bit integer.
func (b *Book) Checksum() int32 {
	var sb strings.Builder
	for i := 0; i < checksumDepth; i++ {
		if i < len(b.bids) {
			sb.WriteString(b.bids[i].priceStr)
			sb.WriteByte(':')
			sb.WriteString(b.bids[i].qtyStr)
			sb.WriteByte(':')
		}
		if i < len(b.asks) {
			sb.WriteString(b.asks[i].priceStr)
			sb.WriteByte(':')
			sb.WriteString(b.asks[i].qtyStr)
			sb.WriteByte(':')
		}
	}
	payload := strings.TrimSuffix(sb.String(), ":")
	return int32(crc32.ChecksumIEEE([]byte(payload)))
}
