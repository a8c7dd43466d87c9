package store

import (
	"path/filepath"
	"strings"
	"testing"
)

type benchAdmission struct {
	Channel   string `json:"channel"`
	Peer      string `json:"peer"`
	ExpiresAt int64  `json:"expires_at"`
	SeenAt    int64  `json:"seen_at"`
}

func BenchmarkAppendAdmissions(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "admitted.jsonl")
	rec := benchAdmission{Channel: "swap:swap_bench", Peer: strings.Repeat("ab", 32), ExpiresAt: 1_900_000_000}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec.SeenAt = int64(i)
		if err := AppendJSONL(path, rec); err != nil {
			b.Fatalf("append: %v", err)
		}
	}
}

func BenchmarkWriteSnapshot(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "metrics.json")
	snap := map[string]any{
		"recv_by_type":   map[string]uint64{"swap.rfq": 10, "swap.quote": 9},
		"drop_by_reason": map[string]uint64{"pow": 3, "invite": 1},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := WriteJSONAtomic(path, snap, 0o644); err != nil {
			b.Fatalf("write: %v", err)
		}
	}
}
