package testutil

import (
	"math/rand"

	"github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New()
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

var FastRand = fastRandReader{}

type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	if len(p) > 0 {
		p[0] = byte(Rand.Int())
	}
	return len(p), nil
}

// RandBytes returns n random bytes.
func RandBytes(n int) []byte {
	p := make([]byte, n)
	Rand.Read(p)
	return p
}

// RandKey returns random printable key of length n.
func RandKey(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789_"
	p := make([]byte, n)
	for i := range p {
		p[i] = alphabet[Rand.Intn(len(alphabet))]
	}
	return string(p)
}
