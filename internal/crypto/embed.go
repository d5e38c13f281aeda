package crypto

// ivPositionCount returns how many overlay positions a buffer of the given
// length receives.
func ivPositionCount(length int) int {
	switch {
	case length < 8:
		return 2
	case length < 16:
		return 3
	case length < 64:
		return 4
	default:
		return 5
	}
}

// mix32 is a 32-bit integer finalizer (xor-shift-multiply).
func mix32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x45d9f3b
	x ^= x >> 16
	x *= 0x45d9f3b
	x ^= x >> 16
	return x
}

// ivPositions derives the offsets at which the IV is XOR-overlaid. Offsets
// depend only on the key digest and the buffer length, are always in
// bounds, and keep first-seen order with duplicates removed. An empty
// buffer has no positions.
//
// Peers that overlay at fixed quarter offsets (0, 25, 50 and 75 percent of
// the buffer) produce envelopes this package cannot open, and vice versa.
func ivPositions(length, sum int) []int {
	if length <= 0 {
		return nil
	}

	count := ivPositionCount(length)
	positions := make([]int, 0, count)
	seen := make(map[int]struct{}, count)

	h := uint32(sum)
	for i := 0; i < count; i++ {
		h = mix32(h ^ uint32(i+1)*0x9e3779b9)
		pos := int(h % uint32(length))
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}
		positions = append(positions, pos)
	}
	return positions
}

// overlayIV XORs iv into buf in place at each position, truncating at the
// end of the buffer. Applying it twice restores the buffer.
func overlayIV(buf, iv []byte, positions []int) {
	for _, pos := range positions {
		for j := 0; j < len(iv) && pos+j < len(buf); j++ {
			buf[pos+j] ^= iv[j]
		}
	}
}

// embedIV overlays the IV into block and prepends it: IV || overlaid block.
func embedIV(iv, block []byte, sum int) []byte {
	envelope := make([]byte, len(iv)+len(block))
	copy(envelope, iv)
	body := envelope[len(iv):]
	copy(body, block)
	overlayIV(body, iv, ivPositions(len(body), sum))
	return envelope
}

// extractIV splits an envelope into its IV and the block with the overlay
// removed. The caller guarantees len(envelope) >= IVSize.
func extractIV(envelope []byte, sum int) (iv, block []byte) {
	iv = make([]byte, IVSize)
	copy(iv, envelope[:IVSize])
	block = make([]byte, len(envelope)-IVSize)
	copy(block, envelope[IVSize:])
	overlayIV(block, iv, ivPositions(len(block), sum))
	return iv, block
}
