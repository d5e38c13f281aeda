package crypto

import "sort"

// keyDigit returns the raw character code of the key at index minus '0'.
// Hex letters a-f therefore map to 49..54 rather than 10..15; ciphertexts
// depend on this, so it must not be "fixed".
func keyDigit(key string, i int) int {
	return int(key[i%len(key)]) - '0'
}

// roundShift is the additive shift for byte i in the given round.
func roundShift(key string, i, round int) int {
	return 5 + 3*round + keyDigit(key, i+round)
}

// transform applies the keyed additive shift (mod 256) to every byte.
func transform(input []byte, round int, key string) []byte {
	out := make([]byte, len(input))
	for i, b := range input {
		out[i] = byte(int(b) + roundShift(key, i, round))
	}
	return out
}

// reverseTransform undoes transform for the same round and key.
func reverseTransform(input []byte, round int, key string) []byte {
	out := make([]byte, len(input))
	for i, b := range input {
		out[i] = byte(int(b) - roundShift(key, i, round))
	}
	return out
}

// keySum is the additive digest of the key's character codes.
func keySum(key string) int {
	sum := 0
	for i := 0; i < len(key); i++ {
		sum += int(key[i])
	}
	return sum
}

// chunkCount returns how many chunks split-and-mix uses for a buffer (2..5).
func chunkCount(length, round int) int {
	n := length/2 + round%3
	if n < 2 {
		n = 2
	}
	if n > 5 {
		n = 5
	}
	return n
}

// chunkBoundaries returns numChunks+1 sorted offsets partitioning a buffer
// of the given length. Interior boundaries are clamped to [1, length-1];
// equal neighbours produce empty chunks.
func chunkBoundaries(length, numChunks, round, sum int) []int {
	boundaries := make([]int, numChunks+1)
	boundaries[numChunks] = length

	for i := 1; i < numChunks; i++ {
		basePos := length * i / numChunks
		variation := (round*13 + sum*7 + i*5) % (length/numChunks + 1)
		b := basePos + variation - length/(numChunks*2)
		if b < 1 {
			b = 1
		}
		if b > length-1 {
			b = length - 1
		}
		boundaries[i] = b
	}

	sort.Ints(boundaries)
	return boundaries
}

// shufflePattern returns the Fisher-Yates permutation of numChunks indices
// driven by a 31-bit LCG seeded from round and key digest. The arithmetic
// wraps at 32 bits.
func shufflePattern(numChunks, round, sum int) []int {
	pattern := make([]int, numChunks)
	for i := range pattern {
		pattern[i] = i
	}

	seed := uint32(round*31 + sum)
	for i := numChunks - 1; i > 0; i-- {
		seed = (seed*1103515245 + 12345) & 0x7fffffff
		j := int(seed % uint32(i+1))
		pattern[i], pattern[j] = pattern[j], pattern[i]
	}
	return pattern
}

// splitAndMix partitions data into 2-5 chunks and reassembles them in
// permuted order. Buffers of length 0 or 1 are returned unchanged.
func splitAndMix(data []byte, round, sum int) []byte {
	if len(data) <= 1 {
		return data
	}

	numChunks := chunkCount(len(data), round)
	boundaries := chunkBoundaries(len(data), numChunks, round, sum)
	pattern := shufflePattern(numChunks, round, sum)

	out := make([]byte, 0, len(data))
	for _, src := range pattern {
		out = append(out, data[boundaries[src]:boundaries[src+1]]...)
	}
	return out
}

// unsplitAndUnmix is the inverse of splitAndMix for the same round and digest.
func unsplitAndUnmix(data []byte, round, sum int) []byte {
	if len(data) <= 1 {
		return data
	}

	numChunks := chunkCount(len(data), round)
	boundaries := chunkBoundaries(len(data), numChunks, round, sum)
	pattern := shufflePattern(numChunks, round, sum)

	out := make([]byte, len(data))
	pos := 0
	for _, dst := range pattern {
		start, end := boundaries[dst], boundaries[dst+1]
		copy(out[start:end], data[pos:pos+end-start])
		pos += end - start
	}
	return out
}
