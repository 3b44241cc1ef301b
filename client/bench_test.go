package client

import (
	"context"
	"testing"
)

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	s := connect(b, startAgent(b))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Users(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 共用一个连接并发调用（多路复用）
func BenchmarkConcurrentCall(b *testing.B) {
	s := connect(b, startAgent(b))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.Users(ctx); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
