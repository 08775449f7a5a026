package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-node/internal/assembly"
)

func setOutputWord(a *assembly.Assemblies, v int) {
	a.Update(func(b *assembly.Buffers) {
		b.Output[0] = byte(v)
		b.Output[1] = byte(v >> 8)
	})
}

// BenchmarkMemoryStorage_OnWrite benchmarks the OnWrite hook for MemoryStorage.
func BenchmarkMemoryStorage_OnWrite(b *testing.B) {
	ms := NewMemoryStorage()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms.OnWrite(assembly.AreaOutput, 0, 2)
	}
}

func BenchmarkFileStorage_OnWrite(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_file.bin")
	fs := NewFileStorage(path)
	a, err := fs.Load()
	if err != nil {
		b.Fatalf("Failed to load file storage: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		setOutputWord(a, i)
		fs.OnWrite(assembly.AreaOutput, 0, 2)
	}
}

// BenchmarkMmapStorage_OnWrite benchmarks the OnWrite hook for MmapStorage (msync).
func BenchmarkMmapStorage_OnWrite(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap.bin")
	ms := NewMmapStorage(path)
	a, err := ms.Load()
	if err != nil {
		b.Fatalf("Failed to load mmap storage: %v", err)
	}
	defer ms.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Dirty the page again, as a real register write would.
		setOutputWord(a, i)
		ms.OnWrite(assembly.AreaOutput, 0, 2)
	}
}

// BenchmarkMmapStorage_Load benchmarks the Load operation for MmapStorage.
// Note: This involves file open, fstat, and mmap system calls.
func BenchmarkMmapStorage_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap_load.bin")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms := NewMmapStorage(path)
		if _, err := ms.Load(); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		ms.Close()
	}
}
