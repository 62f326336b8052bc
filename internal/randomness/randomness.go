// Package randomness 由链上熵和盐派生确定性种子与置换，任何实现可复算
package randomness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// SeedSize 种子字节数
const SeedSize = sha256.Size

// Seed seed = sha256(entropyHex + "|" + contextSalt)
func Seed(entropyHex, contextSalt string) []byte {
	sum := sha256.Sum256([]byte(entropyHex + "|" + contextSalt))
	return sum[:]
}

// SeedHex 种子的十六进制表示，用于审计日志
func SeedHex(entropyHex, contextSalt string) string {
	return hex.EncodeToString(Seed(entropyHex, contextSalt))
}

// Stream HMAC-SHA256计数器模式字节流：block_i = HMAC(seed, uint64_be(i))
type Stream struct {
	mac     []byte
	counter uint64
	buf     []byte
}

// NewStream 基于种子创建字节流
func NewStream(seed []byte) *Stream {
	return &Stream{mac: append([]byte(nil), seed...)}
}

// Read 实现io.Reader，永不返回错误
func (s *Stream) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(s.buf) == 0 {
			s.refill()
		}
		c := copy(p[n:], s.buf)
		s.buf = s.buf[c:]
		n += c
	}
	return n, nil
}

func (s *Stream) refill() {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], s.counter)
	s.counter++
	h := hmac.New(sha256.New, s.mac)
	h.Write(counter[:])
	s.buf = h.Sum(nil)
}

// Uint64 读取8字节大端整数
func (s *Stream) Uint64() uint64 {
	var b [8]byte
	_, _ = s.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Uint64n 返回[0, n)内的均匀整数，拒绝采样消除取模偏差
func (s *Stream) Uint64n(n uint64) uint64 {
	if n == 0 {
		panic("randomness: Uint64n参数必须大于0")
	}
	if n&(n-1) == 0 {
		return s.Uint64() & (n - 1)
	}
	// 2^64 mod n
	threshold := -n % n
	for {
		v := s.Uint64()
		if v >= threshold {
			return v % n
		}
	}
}

// Intn 返回[0, n)内的均匀整数
func (s *Stream) Intn(n int) int {
	if n <= 0 || uint64(n) > math.MaxInt64 {
		panic(fmt.Sprintf("randomness: 非法区间 %d", n))
	}
	return int(s.Uint64n(uint64(n)))
}

// Permutation 返回长度为n的下标置换，Fisher–Yates从末尾向前交换
func Permutation(n int, seed []byte) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	stream := NewStream(seed)
	for i := n - 1; i > 0; i-- {
		j := stream.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// Shuffle 返回items的确定性置换副本，不修改输入
func Shuffle[T any](items []T, seed []byte) []T {
	out := make([]T, len(items))
	for i, idx := range Permutation(len(items), seed) {
		out[i] = items[idx]
	}
	return out
}

// SelectFirst 洗牌后取前k个，k大于长度时取全部
func SelectFirst[T any](items []T, k int, seed []byte) []T {
	shuffled := Shuffle(items, seed)
	if k < 0 {
		k = 0
	}
	if k > len(shuffled) {
		k = len(shuffled)
	}
	return shuffled[:k]
}
