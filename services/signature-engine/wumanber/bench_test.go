package wumanber

import (
	"fmt"
	"math/rand"
	"testing"
)

func shootoutNeedles() []string {
	return []string{
		"cgggtaaa",
		"ggggtaaa",
		"tgggtaaa",
		"tttaccca",
		"tttacccc",
		"tttacccg",
	}
}

func dnaInput(n int) []byte {
	rng := rand.New(rand.NewSource(1))
	return randomBytes(rng, "acgt", n)
}

// BenchmarkShootout scans DNA-like input for the regex-dna variant needles.
func BenchmarkShootout(b *testing.B) {
	tb, err := BuildStrings(shootoutNeedles())
	if err != nil {
		b.Fatalf("build: %v", err)
	}
	data := dnaInput(1 << 20)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tb.Count(data)
	}
	b.SetBytes(int64(len(data)))
}

// BenchmarkManyPatterns measures a 1000 pattern set over random bytes.
func BenchmarkManyPatterns(b *testing.B) {
	pats := make([]string, 1000)
	for i := range pats {
		pats[i] = fmt.Sprintf("malware_pattern_%d", i)
	}
	tb, err := BuildStrings(pats)
	if err != nil {
		b.Fatalf("build: %v", err)
	}
	data := make([]byte, 1<<20)
	rand.New(rand.NewSource(2)).Read(data)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tb.Count(data)
	}
	b.SetBytes(int64(len(data)))
}

// BenchmarkBuild measures table construction for 5000 patterns.
func BenchmarkBuild(b *testing.B) {
	pats := make([]string, 5000)
	for i := range pats {
		pats[i] = fmt.Sprintf("pattern_%d_with_longer_content_%d", i, i*7)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := BuildStrings(pats); err != nil {
			b.Fatalf("build: %v", err)
		}
	}
}
